package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/castrelay/castrelay/internal/apperror"
	"github.com/castrelay/castrelay/internal/identity"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second

	keyRequestsPath = "/v1/signed-key-requests"
	messagesPath    = "/v1/messages"
	usersPath       = "/v1/users"
)

// ErrMissingBaseURL indicates the hub client was built without an endpoint.
var ErrMissingBaseURL = errors.New("hub: base url is required")

// Config bundles hub client construction parameters.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the direct protocol API: the signed-key-request endpoint
// for credential issuance and the hub message endpoint for cast submission.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a hub client with a bounded request timeout.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// KeyRequestResult is the response to a newly submitted key request.
type KeyRequestResult struct {
	Token       string `json:"token"`
	DeeplinkURL string `json:"deeplinkUrl"`
	State       string `json:"state"`
}

// KeyRequestStatus is the live state of a previously submitted key request.
type KeyRequestStatus struct {
	State   string `json:"state"`
	UserFID uint64 `json:"userFid"`
}

// SubmitResult carries the content-addressed hash assigned by the hub.
type SubmitResult struct {
	Hash string `json:"hash"`
}

// Profile is the protocol-side user snapshot.
type Profile struct {
	FID         uint64 `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatarUrl"`
}

// CreateKeyRequest submits a signed delegation request and returns the
// polling token, approval deeplink, and initial state.
func (c *Client) CreateKeyRequest(ctx context.Context, signed identity.SignedKeyRequest) (KeyRequestResult, error) {
	var result KeyRequestResult
	if err := c.postJSON(ctx, keyRequestsPath, signed, &result); err != nil {
		return KeyRequestResult{}, err
	}
	return result, nil
}

// GetKeyRequest re-polls the state of a key request by token.
func (c *Client) GetKeyRequest(ctx context.Context, token string) (KeyRequestStatus, error) {
	if strings.TrimSpace(token) == "" {
		return KeyRequestStatus{}, apperror.Validation("key request token is required")
	}
	var status KeyRequestStatus
	if err := c.getJSON(ctx, keyRequestsPath+"/"+token, &status); err != nil {
		return KeyRequestStatus{}, err
	}
	return status, nil
}

// SubmitMessage posts a CBOR-encoded signed message envelope to the hub.
func (c *Client) SubmitMessage(ctx context.Context, envelope []byte) (SubmitResult, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(envelope))
	if err != nil {
		return SubmitResult{}, err
	}
	request.Header.Set("Content-Type", "application/cbor")

	var result SubmitResult
	if err := c.do(request, &result); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// GetProfile fetches the user snapshot for fid.
func (c *Client) GetProfile(ctx context.Context, fid uint64) (Profile, error) {
	var profile Profile
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%d", usersPath, fid), &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return c.do(request, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(request, out)
}

func (c *Client) do(request *http.Request, out interface{}) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return apperror.Upstream(err, "hub request failed")
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail := upstreamDetail(response.Body)
		c.logger.Debug("hub request rejected",
			zap.String("path", request.URL.Path),
			zap.Int("status", response.StatusCode),
			zap.String("detail", detail))
		return apperror.Upstream(nil, "hub returned status %d: %s", response.StatusCode, detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return apperror.Upstream(err, "hub response decoding failed")
	}
	return nil
}

func upstreamDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
