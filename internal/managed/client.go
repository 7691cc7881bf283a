package managed

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
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultBaseURL        = "https://api.managed-signer.example"

	signerPath = "/v2/signer"
	castPath   = "/v2/cast"
	userPath   = "/v2/user"

	apiKeyHeader = "X-Api-Key"
)

// ErrUnavailable indicates the managed SDK was not configured with an API
// key; callers treat the provider as degraded rather than failed.
var ErrUnavailable = errors.New("managed: api key not configured")

// Config bundles managed client construction parameters.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client wraps the managed signer SDK's HTTP API. All calls fail with
// ErrUnavailable when no API key is configured.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a managed client. An empty API key is allowed; the
// resulting client reports itself unavailable.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Available reports whether the managed provider can be used.
func (c *Client) Available() bool {
	return c.apiKey != ""
}

// Signer is the managed SDK's view of a credential.
type Signer struct {
	SignerUUID  string `json:"signerUuid"`
	Status      string `json:"status"`
	FID         uint64 `json:"fid"`
	ApprovalURL string `json:"approvalUrl"`
}

// Cast is the managed SDK's published-cast receipt.
type Cast struct {
	Hash string `json:"hash"`
	Text string `json:"text"`
}

// Profile is the managed SDK's user snapshot.
type Profile struct {
	FID         uint64 `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatarUrl"`
}

// CreateSigner asks the SDK to provision a new credential.
func (c *Client) CreateSigner(ctx context.Context) (Signer, error) {
	var signer Signer
	if err := c.postJSON(ctx, signerPath, struct{}{}, &signer); err != nil {
		return Signer{}, err
	}
	return signer, nil
}

// GetSigner fetches the live state of an SDK-managed credential.
func (c *Client) GetSigner(ctx context.Context, signerUUID string) (Signer, error) {
	if strings.TrimSpace(signerUUID) == "" {
		return Signer{}, apperror.Validation("signer uuid is required")
	}
	var signer Signer
	if err := c.getJSON(ctx, signerPath+"/"+signerUUID, &signer); err != nil {
		return Signer{}, err
	}
	return signer, nil
}

// PublishCast submits text on behalf of an SDK-managed credential.
func (c *Client) PublishCast(ctx context.Context, signerUUID, text, parentRef string) (Cast, error) {
	payload := map[string]string{
		"signerUuid": signerUUID,
		"text":       text,
	}
	if strings.TrimSpace(parentRef) != "" {
		payload["parent"] = parentRef
	}
	var cast Cast
	if err := c.postJSON(ctx, castPath, payload, &cast); err != nil {
		return Cast{}, err
	}
	return cast, nil
}

// GetProfile fetches the user snapshot for fid.
func (c *Client) GetProfile(ctx context.Context, fid uint64) (Profile, error) {
	var profile Profile
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%d", userPath, fid), &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	if !c.Available() {
		return apperror.Upstream(ErrUnavailable, "managed provider unavailable")
	}
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
	if !c.Available() {
		return apperror.Upstream(ErrUnavailable, "managed provider unavailable")
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(request, out)
}

func (c *Client) do(request *http.Request, out interface{}) error {
	request.Header.Set(apiKeyHeader, c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return apperror.Upstream(err, "managed sdk request failed")
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail := sdkDetail(response.Body)
		c.logger.Debug("managed sdk request rejected",
			zap.String("path", request.URL.Path),
			zap.Int("status", response.StatusCode),
			zap.String("detail", detail))
		return apperror.Upstream(nil, "managed sdk returned status %d: %s", response.StatusCode, detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return apperror.Upstream(err, "managed sdk response decoding failed")
	}
	return nil
}

func sdkDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
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
