package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientHoldAndCredit(t *testing.T) {
	var paths []string
	var amounts []int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode req: %v", err)
		}
		paths = append(paths, r.URL.Path)
		amounts = append(amounts, req.Amount)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL+"/", 0, nil)
	require.NoError(t, c.HoldTokens(context.Background(), "payer 1", 100))
	require.NoError(t, c.CreditTokens(context.Background(), "earner", 7))

	assert.Equal(t, []string{"/v1/wallets/payer 1/hold", "/v1/wallets/earner/credit"}, paths)
	assert.Equal(t, []int64{100, 7}, amounts)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{status: http.StatusPaymentRequired, want: ErrInsufficientFunds},
		{status: http.StatusNotFound, want: ErrUnknownUser},
	}
	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := NewHTTPClient(ts.URL, 0, nil).HoldTokens(context.Background(), "payer", 10)
		ts.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()
	err := NewHTTPClient(ts.URL, 0, nil).CreditTokens(context.Background(), "payer", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestMemoryWallet(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWallet(map[string]int64{"payer": 100})

	require.ErrorIs(t, w.HoldTokens(ctx, "payer", 101), ErrInsufficientFunds)
	require.NoError(t, w.HoldTokens(ctx, "payer", 100))
	require.NoError(t, w.CreditTokens(ctx, "payer", 58))
	assert.Equal(t, int64(58), w.Balance("payer"))

	boom := errors.New("down")
	w.FailNext("payer", boom)
	require.ErrorIs(t, w.CreditTokens(ctx, "payer", 1), boom)
	require.NoError(t, w.CreditTokens(ctx, "payer", 1))
	assert.Equal(t, int64(59), w.Balance("payer"))
}
