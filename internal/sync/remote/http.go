package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

const (
	upsertPath  = "/rest/v1/rpc/sync_upsert"
	changesPath = "/rest/v1/sync_changes"
)

// HTTPConfig holds remote API connection configuration.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	// SigningKey signs request bodies when set.
	SigningKey string
	Timeout    time.Duration
}

// HTTPClient implements Client over the REST API.
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

type upsertRequest struct {
	UserID   string          `json:"user_id"`
	ItemType models.ItemType `json:"item_type"`
	Records  []Record        `json:"records"`
}

type upsertResponse struct {
	Results []UpsertResult `json:"results"`
}

// Upsert posts records to the sync_upsert procedure.
func (c *HTTPClient) Upsert(ctx context.Context, userID string, itemType models.ItemType, records []Record) ([]UpsertResult, error) {
	body, err := json.Marshal(upsertRequest{UserID: userID, ItemType: itemType, Records: records})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode upsert request", err)
	}

	req, err := c.createRequest(ctx, http.MethodPost, upsertPath, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("upsert request failed", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "upsert"); err != nil {
		return nil, err
	}

	var out upsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to parse upsert response", err)
	}
	return out.Results, nil
}

// FetchChanges reads sync_changes filtered by updated_at.
func (c *HTTPClient) FetchChanges(ctx context.Context, userID string, since *time.Time) (*ChangeSet, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("order", "updated_at.asc")
	if since != nil {
		q.Set("updated_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	}

	req, err := c.createRequest(ctx, http.MethodGet, changesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("changes request failed", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "changes"); err != nil {
		return nil, err
	}

	var cs ChangeSet
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to parse changes response", err)
	}
	if cs.ServerTime.IsZero() {
		cs.ServerTime = serverTime(resp)
	}
	return &cs, nil
}

// createRequest creates an authenticated API request.
func (c *HTTPClient) createRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	urlStr := strings.TrimRight(c.config.BaseURL, "/") + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("apikey", c.config.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.SigningKey != "" {
		date := time.Now().UTC().Format(time.RFC3339)
		req.Header.Set("X-Sync-Date", date)
		req.Header.Set("X-Sync-Signature", c.sign(method, path, date, body))
	}
	return req, nil
}

// sign computes the HMAC-SHA256 request signature over method, path, date
// and the body hash.
func (c *HTTPClient) sign(method, path, date string, body []byte) string {
	canonical := fmt.Sprintf("%s\n%s\n%s\n%s", method, path, date, hex.EncodeToString(hashSHA256(body)))
	return hex.EncodeToString(hmacSHA256([]byte(c.config.SigningKey), canonical))
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrServiceUnavailable, msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return apperrors.New(apperrors.ErrSyncTimeout, msg)
	case resp.StatusCode == http.StatusConflict:
		return apperrors.New(apperrors.ErrSyncConflict, msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.New(apperrors.ErrValidation, msg)
	default:
		return apperrors.New(apperrors.ErrNetwork, msg)
	}
}

func transportError(msg string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, msg, err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, msg, err)
}

func serverTime(resp *http.Response) time.Time {
	if t, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
