package validation

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		want       string
		recognized bool
	}{
		{
			name:       "local with trunk zero",
			raw:        "08031234567",
			want:       "+2348031234567",
			recognized: true,
		},
		{
			name:       "bare subscriber number",
			raw:        "8031234567",
			want:       "+2348031234567",
			recognized: true,
		},
		{
			name:       "international without plus keeps its shape",
			raw:        "2348031234567",
			want:       "2348031234567",
			recognized: true,
		},
		{
			name:       "international with plus unchanged",
			raw:        "+2348031234567",
			want:       "+2348031234567",
			recognized: true,
		},
		{
			name:       "formatting characters stripped",
			raw:        " (0803) 123-45.67 ",
			want:       "+2348031234567",
			recognized: true,
		},
		{
			name:       "international with spaces",
			raw:        "+234 803 123 4567",
			want:       "+2348031234567",
			recognized: true,
		},
		{
			name:       "not a number",
			raw:        "not-a-number",
			want:       "notanumber",
			recognized: false,
		},
		{
			name:       "subscriber with invalid leading digit",
			raw:        "1031234567",
			want:       "1031234567",
			recognized: false,
		},
		{
			name:       "too short",
			raw:        "0803123",
			want:       "0803123",
			recognized: false,
		},
		{
			name:       "foreign international",
			raw:        "+14155550100",
			want:       "+14155550100",
			recognized: false,
		},
		{
			name:       "empty",
			raw:        "",
			want:       "",
			recognized: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePhone(tt.raw)
			if got != tt.want || ok != tt.recognized {
				t.Fatalf("NormalizePhone(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.recognized)
			}
		})
	}
}
