package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

func testRequest() model.PaymentRequest {
	year := 2024
	return model.PaymentRequest{
		Reference: "YB-1-abc",
		OwnerID:   7,
		Customer: model.Individual{
			FirstName: "Ada",
			LastName:  "Obi",
			Contact:   model.Contact{Email: "ada@example.com", Phone: "+2348031234567"},
		},
		Phone:              "+2348031234567",
		AmountMinorUnits:   2473350,
		SettlementCurrency: "NGN",
		Items: []model.SnapshotItem{
			{CartItemID: 11, ItemType: model.ItemTypeYearbookYear, Year: &year, Quantity: 1},
		},
	}
}

func TestInitiate_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transaction/initialize", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body initializeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body.Email)
		assert.Equal(t, "2473350", body.Amount)
		assert.Equal(t, "NGN", body.Currency)
		assert.Equal(t, "YB-1-abc", body.Reference)
		assert.Equal(t, "http://app/callback", body.CallbackURL)
		assert.Equal(t, "Ada", body.Metadata["first_name"])
		assert.Equal(t, "+2348031234567", body.Metadata["phone"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.example/abc","access_code":"abc","reference":"YB-1-abc"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", "http://app/callback", WithRetries(0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.Initiate(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "YB-1-abc", res.Reference)
	assert.Equal(t, "https://checkout.example/abc", res.RedirectURL)
}

func TestInitiate_OrganizationMetadata(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body initializeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "admin@school.ng", body.Email)
		assert.Equal(t, "Kings College", body.Metadata["organization"])
		_, hasFirstName := body.Metadata["first_name"]
		assert.False(t, hasFirstName)

		_, _ = w.Write([]byte(`{"status":true,"data":{"authorization_url":"https://checkout.example/x"}}`))
	}))
	defer ts.Close()

	req := testRequest()
	req.Customer = model.Organization{
		Name:         "Kings College",
		AdminContact: model.Contact{Email: "admin@school.ng", Phone: "+2348031234567"},
	}

	client := NewClient(ts.URL, "sk_test", "", WithRetries(0))
	res, err := client.Initiate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "YB-1-abc", res.Reference, "reference falls back to the requested one")
}

func TestInitiate_InvalidRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":false,"message":"Invalid Email Address Passed"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", "", WithRetries(0))
	_, err := client.Initiate(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitiate_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", "", WithRetries(3))
	_, err := client.Initiate(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInitiate_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := ts.URL
	ts.Close()

	client := NewClient(addr, "sk_test", "", WithRetries(0))
	_, err := client.Initiate(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVerify_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   model.VerificationStatus
	}{
		{name: "success", status: "success", want: model.VerificationVerified},
		{name: "failed", status: "failed", want: model.VerificationFailed},
		{name: "reversed", status: "reversed", want: model.VerificationFailed},
		{name: "ongoing", status: "ongoing", want: model.VerificationPending},
		{name: "abandoned", status: "abandoned", want: model.VerificationPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, "/transaction/verify/YB-1-abc", r.URL.Path)
				_, _ = w.Write([]byte(`{"status":true,"data":{"status":"` + tt.status + `","reference":"YB-1-abc","amount":2473350,"currency":"ngn"}}`))
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "sk_test", "", WithRetries(0))
			tx, err := client.Verify(context.Background(), "YB-1-abc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, tx.Status)
			assert.Equal(t, int64(2473350), tx.AmountMinorUnits)
			assert.Equal(t, "NGN", tx.Currency)
		})
	}
}

func TestVerify_NotFound(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{name: "404", code: http.StatusNotFound, body: ``},
		{name: "400 with not found message", code: http.StatusBadRequest, body: `{"status":false,"message":"Transaction reference not found"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "sk_test", "", WithRetries(0))
			_, err := client.Verify(context.Background(), "YB-1-abc")
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestVerify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":true,"data":{"status":"success","amount":100,"currency":"NGN"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", "", WithRetries(1))
	tx, err := client.Verify(context.Background(), "YB-1-abc")
	require.NoError(t, err)
	assert.Equal(t, model.VerificationVerified, tx.Status)
	assert.Equal(t, "YB-1-abc", tx.Reference)
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerify_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", "", WithRetries(0))
	_, err := client.Verify(context.Background(), "YB-1-abc")
	assert.ErrorIs(t, err, ErrUnavailable)
}
