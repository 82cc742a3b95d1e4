// Package profiles reads user profiles from the profile service.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/paychat-billing/internal/roles"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

const defaultTimeout = 5 * time.Second

// ErrNotFound is returned for unknown users.
var ErrNotFound = errors.New("profiles: user not found")

// HTTPClient fetches profiles over the profile service JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient creates a profile client for baseURL.
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

// GetProfile returns the profile snapshot for userID.
func (c *HTTPClient) GetProfile(ctx context.Context, userID string) (roles.Profile, error) {
	endpoint := fmt.Sprintf("%s/v1/profiles/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return roles.Profile{}, fmt.Errorf("profiles: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return roles.Profile{}, fmt.Errorf("profiles: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return roles.Profile{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return roles.Profile{}, fmt.Errorf("profiles: status %d: %s", resp.StatusCode, string(msg))
	}

	var p roles.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return roles.Profile{}, fmt.Errorf("profiles: decode response: %w", err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return p, nil
}
