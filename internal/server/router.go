package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/castrelay/castrelay/internal/apperror"
	"github.com/castrelay/castrelay/internal/auth"
	"github.com/castrelay/castrelay/internal/metrics"
	"github.com/castrelay/castrelay/internal/qr"
	"github.com/castrelay/castrelay/internal/ratelimit"
	"github.com/castrelay/castrelay/internal/signer"
	"github.com/castrelay/castrelay/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingSignerService = errors.New("signer service dependency required")
	errMissingUserService   = errors.New("user service dependency required")
	errMissingLimiter       = errors.New("rate limiter dependency required")
)

// Dependencies bundles everything the HTTP layer needs.
type Dependencies struct {
	Signers          *signer.Service
	Users            *users.Service
	Tokens           *auth.TokenIssuer
	Limiter          *ratelimit.Limiter
	Metrics          *metrics.Metrics
	ManagedAvailable bool
	DirectAvailable  bool
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the lifecycle manager.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Signers == nil {
		return nil, errMissingSignerService
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		signers:          deps.Signers,
		users:            deps.Users,
		tokens:           deps.Tokens,
		limiter:          deps.Limiter,
		metrics:          deps.Metrics,
		managedAvailable: deps.ManagedAvailable,
		directAvailable:  deps.DirectAvailable,
		logger:           logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := router.Group("/api")
	api.GET("/signer-status/:signerId", handler.handleSignerStatus)
	api.GET("/qr-code/:signerId", handler.handleQRCode)
	api.GET("/user/:fid", handler.handleUserProfile)
	api.GET("/casts/:fid", handler.handleListCasts)
	api.GET("/stats", handler.handleStats)

	mutating := api.Group("/")
	mutating.Use(handler.rateLimit)
	mutating.POST("/create-signer", handler.handleCreateSigner)
	mutating.POST("/post-cast", handler.handlePostCast)
	mutating.POST("/auth/token", handler.handleAuthToken)

	return router, nil
}

type httpHandler struct {
	signers          *signer.Service
	users            *users.Service
	tokens           *auth.TokenIssuer
	limiter          *ratelimit.Limiter
	metrics          *metrics.Metrics
	managedAvailable bool
	directAvailable  bool
	logger           *zap.Logger
}

// signerPayload is the API view of a signer. Private key material never
// leaves the process.
type signerPayload struct {
	SignerID    string `json:"signerId"`
	Provider    string `json:"provider"`
	Status      string `json:"status"`
	FID         uint64 `json:"fid,omitempty"`
	ApprovalURL string `json:"approvalUrl,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toSignerPayload(record signer.Signer) signerPayload {
	payload := signerPayload{
		SignerID:    record.ID,
		Provider:    string(record.Provider),
		Status:      string(record.Status),
		FID:         record.FID,
		ApprovalURL: record.ApprovalURL,
		CreatedAt:   record.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   record.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if record.Keypair != nil {
		payload.PublicKey = record.Keypair.PublicKey
	}
	return payload
}

var kindStatus = map[apperror.Kind]int{
	apperror.KindValidation:          http.StatusBadRequest,
	apperror.KindNotFound:            http.StatusNotFound,
	apperror.KindRateLimited:         http.StatusTooManyRequests,
	apperror.KindUpstream:            http.StatusInternalServerError,
	apperror.KindNotReady:            http.StatusBadRequest,
	apperror.KindPendingConfirmation: http.StatusBadRequest,
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}

	body := gin.H{"error": string(kind), "detail": apperror.DetailOf(err)}
	switch kind {
	case apperror.KindPendingConfirmation:
		body["guidance"] = "signer approved but waiting for confirmation, retry later"
	case apperror.KindNotReady:
		body["guidance"] = "poll /api/signer-status/:signerId until the signer is ready"
	}
	c.JSON(status, body)
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	if !h.limiter.Allow(c.ClientIP()) {
		h.metrics.RateLimited()
		h.respondError(c, apperror.RateLimited("too many requests, retry later"))
		c.Abort()
		return
	}
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSignerRequest struct {
	FID          uint64 `json:"fid"`
	Provider     string `json:"provider"`
	CredentialID string `json:"credentialId"`
}

func (h *httpHandler) handleCreateSigner(c *gin.Context) {
	var request createSignerRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, apperror.Validation("invalid request body"))
		return
	}
	providerValue := request.Provider
	if strings.TrimSpace(providerValue) == "" {
		// Callers supplying a pre-issued credential id get the hosted
		// flow; everything else defaults to the direct protocol.
		if strings.TrimSpace(request.CredentialID) != "" {
			providerValue = string(signer.ProviderHostedPreApproved)
		} else {
			providerValue = string(signer.ProviderDirectProtocol)
		}
	}
	provider, err := signer.ParseProvider(providerValue)
	if err != nil {
		h.respondError(c, apperror.Validation("%v", err))
		return
	}

	record, err := h.signers.CreateCredential(c.Request.Context(), request.FID, provider, request.CredentialID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	message := "signer created"
	if record.ApprovalURL != "" {
		message = "signer created, approval required"
	}
	c.JSON(http.StatusOK, gin.H{
		"signer":   toSignerPayload(record),
		"provider": string(record.Provider),
		"message":  message,
	})
}

func (h *httpHandler) handleSignerStatus(c *gin.Context) {
	record, err := h.signers.CheckStatus(c.Request.Context(), c.Param("signerId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signer":   toSignerPayload(record),
		"status":   string(record.Status),
		"provider": string(record.Provider),
	})
}

type postCastRequest struct {
	SignerID  string `json:"signerId"`
	Text      string `json:"text"`
	ParentRef string `json:"parentRef"`
}

func (h *httpHandler) handlePostCast(c *gin.Context) {
	var request postCastRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, apperror.Validation("invalid request body"))
		return
	}

	post, err := h.signers.Publish(c.Request.Context(), request.SignerID, request.Text, request.ParentRef)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cast":     post,
		"provider": string(post.Provider),
	})
}

func (h *httpHandler) handleQRCode(c *gin.Context) {
	record, ok := h.signers.Get(strings.TrimSpace(c.Param("signerId")))
	if !ok {
		h.respondError(c, apperror.NotFound("signer %q not found", c.Param("signerId")))
		return
	}
	if record.ApprovalURL == "" {
		h.respondError(c, apperror.Validation("signer has no approval url"))
		return
	}

	uri, err := qr.DataURI(record.ApprovalURL)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"qrCode":       uri,
		"approvalUrl":  record.ApprovalURL,
		"instructions": "scan the code or open the approval link on the device holding the account",
	})
}

func (h *httpHandler) handleUserProfile(c *gin.Context) {
	fid, err := parseFID(c.Param("fid"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	profile, provider, err := h.users.GetProfile(c.Request.Context(), fid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":  profile,
		"provider": string(provider),
	})
}

func (h *httpHandler) handleListCasts(c *gin.Context) {
	fid, err := parseFID(c.Param("fid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	posts, err := h.signers.ListPosts(fid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"casts": posts})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	signers, userCount, postCount, sessionCount, err := h.signers.Counts()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": gin.H{
			"signers":  signers,
			"users":    userCount,
			"posts":    postCount,
			"sessions": sessionCount,
		},
		"providers": gin.H{
			"managed": h.managedAvailable,
			"direct":  h.directAvailable,
		},
	})
}

type authTokenRequest struct {
	SignerID string `json:"signerId"`
}

func (h *httpHandler) handleAuthToken(c *gin.Context) {
	if h.tokens == nil || !h.tokens.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "unavailable",
			"detail": "token issuance is not configured",
		})
		return
	}

	var request authTokenRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SignerID) == "" {
		h.respondError(c, apperror.Validation("signer id is required"))
		return
	}

	record, ok := h.signers.Get(strings.TrimSpace(request.SignerID))
	if !ok {
		h.respondError(c, apperror.NotFound("signer %q not found", request.SignerID))
		return
	}
	if record.Status != signer.ReadyStatus(record.Provider) {
		h.respondError(c, apperror.NotReady("signer status is %q, expected %q",
			record.Status, signer.ReadyStatus(record.Provider)))
		return
	}

	token, expiresIn, err := h.tokens.IssueSignerToken(c.Request.Context(), record.ID, record.FID)
	if err != nil {
		h.logger.Error("failed to issue signer token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken": token,
		"expiresIn":   expiresIn,
		"tokenType":   "Bearer",
	})
}

func parseFID(raw string) (uint64, error) {
	fid, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || fid == 0 {
		return 0, apperror.Validation("fid must be a positive integer")
	}
	return fid, nil
}
