// Package wallet talks to the token wallet service that custodies user balances.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/paychat-billing/pkg/logging"
)

const defaultTimeout = 5 * time.Second

var (
	// ErrInsufficientFunds is returned when a hold exceeds the user's balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrUnknownUser is returned when the wallet has no account for the user.
	ErrUnknownUser = errors.New("wallet: unknown user")
)

// HTTPClient calls the wallet service JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient creates a wallet client for baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// HoldTokens moves amount out of the user's spendable balance.
func (c *HTTPClient) HoldTokens(ctx context.Context, userID string, amount int64) error {
	return c.post(ctx, userID, "hold", amount)
}

// CreditTokens adds amount to the user's balance.
func (c *HTTPClient) CreditTokens(ctx context.Context, userID string, amount int64) error {
	return c.post(ctx, userID, "credit", amount)
}

func (c *HTTPClient) post(ctx context.Context, userID, action string, amount int64) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("wallet: user id required")
	}
	body, err := json.Marshal(amountRequest{Amount: amount})
	if err != nil {
		return fmt.Errorf("wallet: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/%s", c.baseURL, url.PathEscape(userID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wallet: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: %s request: %w", action, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
	c.logger.Warn("wallet call failed", "action", action, "user_id", userID, "status", resp.StatusCode)
	return fmt.Errorf("wallet: %s status %d: %s", action, resp.StatusCode, string(respBody))
}
