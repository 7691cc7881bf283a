package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/castrelay/castrelay/internal/apperror"
	"github.com/castrelay/castrelay/internal/hub"
	"github.com/castrelay/castrelay/internal/identity"
	"github.com/castrelay/castrelay/internal/managed"
	"github.com/castrelay/castrelay/internal/message"
	"github.com/castrelay/castrelay/internal/metrics"
	"github.com/castrelay/castrelay/internal/storage"
	"go.uber.org/zap"
)

const delegationValidity = 24 * time.Hour

var (
	errMissingStore   = errors.New("signer: store is required")
	errMissingHub     = errors.New("signer: hub client is required")
	errMissingManaged = errors.New("signer: managed client is required")
	errMissingBuilder = errors.New("signer: message builder is required")
	noOpLogger        = zap.NewNop()
)

// HubClient is the slice of the direct protocol client used by the
// lifecycle manager.
type HubClient interface {
	CreateKeyRequest(ctx context.Context, signed identity.SignedKeyRequest) (hub.KeyRequestResult, error)
	GetKeyRequest(ctx context.Context, token string) (hub.KeyRequestStatus, error)
	SubmitMessage(ctx context.Context, envelope []byte) (hub.SubmitResult, error)
}

// ManagedClient is the slice of the managed SDK client used by the
// lifecycle manager.
type ManagedClient interface {
	Available() bool
	CreateSigner(ctx context.Context) (managed.Signer, error)
	GetSigner(ctx context.Context, signerUUID string) (managed.Signer, error)
	PublishCast(ctx context.Context, signerUUID, text, parentRef string) (managed.Cast, error)
}

// Store is the persistence surface required by the lifecycle manager.
type Store interface {
	Put(ns storage.Namespace, key string, value interface{}) error
	Get(ns storage.Namespace, key string, out interface{}) (bool, error)
	Delete(ns storage.Namespace, key string) (bool, error)
	List(ns storage.Namespace) ([]json.RawMessage, error)
	Count(ns storage.Namespace) (int, error)
}

// IDProvider issues identifiers for direct-protocol signers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes lifecycle manager dependencies. App may be nil
// when the application identity is not configured; the direct provider
// then fails validation before any network call.
type ServiceConfig struct {
	Repository *Repository
	Store      Store
	Hub        HubClient
	Managed    ManagedClient
	App        *identity.AppIdentity
	Builder    *message.Builder
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service orchestrates the credential lifecycle across the three provider
// variants.
type Service struct {
	repo       *Repository
	store      Store
	hub        HubClient
	managed    ManagedClient
	app        *identity.AppIdentity
	builder    *message.Builder
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewService validates dependencies and constructs the lifecycle manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Managed == nil {
		return nil, errMissingManaged
	}
	if cfg.Builder == nil {
		return nil, errMissingBuilder
	}
	repo := cfg.Repository
	if repo == nil {
		repo = NewRepository()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	return &Service{
		repo:       repo,
		store:      cfg.Store,
		hub:        cfg.Hub,
		managed:    cfg.Managed,
		app:        cfg.App,
		builder:    cfg.Builder,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Rehydrate loads persisted sessions into the live table. Called once at
// startup so live signer state survives process restarts.
func (s *Service) Rehydrate() error {
	documents, err := s.store.List(storage.NamespaceSessions)
	if err != nil {
		return err
	}
	loaded, skipped := s.repo.Rehydrate(documents)
	s.logger.Info("signer table rehydrated",
		zap.Int("loaded", loaded),
		zap.Int("skipped", skipped))
	return nil
}

// CreateCredential provisions a signer for fid through the requested
// provider. The credentialID payload is required for the hosted
// pre-approved flow and ignored elsewhere.
func (s *Service) CreateCredential(ctx context.Context, fid uint64, provider Provider, credentialID string) (Signer, error) {
	if fid == 0 {
		return Signer{}, apperror.Validation("fid is required")
	}

	now := s.clock().UTC()
	var record Signer

	switch provider {
	case ProviderHostedPreApproved:
		credentialID = strings.TrimSpace(credentialID)
		if credentialID == "" {
			return Signer{}, apperror.Validation("credential id is required for the hosted provider")
		}
		// The hosted sign-in flow completed approval before this call;
		// only structural presence is checked.
		record = Signer{
			ID:       credentialID,
			Provider: ProviderHostedPreApproved,
			Status:   StatusApproved,
			FID:      fid,
		}

	case ProviderHostedManaged:
		sdkSigner, err := s.managed.CreateSigner(ctx)
		if err != nil {
			s.metrics.UpstreamError("managed")
			return Signer{}, err
		}
		status, err := MapManagedState(sdkSigner.Status)
		if err != nil {
			s.logger.Warn("managed sdk returned unknown signer state",
				zap.String("state", sdkSigner.Status))
			return Signer{}, apperror.Upstream(err, "managed sdk returned an unexpected state")
		}
		record = Signer{
			ID:          sdkSigner.SignerUUID,
			Provider:    ProviderHostedManaged,
			Status:      status,
			FID:         fid,
			ApprovalURL: sdkSigner.ApprovalURL,
		}

	case ProviderDirectProtocol:
		if s.app == nil {
			return Signer{}, apperror.Validation("application identity is not configured for the direct provider")
		}
		keypair, err := identity.GenerateKeypair()
		if err != nil {
			return Signer{}, err
		}
		signed, err := s.app.SignKeyRequest(fid, keypair.PublicKey, now, delegationValidity)
		if err != nil {
			return Signer{}, err
		}
		result, err := s.hub.CreateKeyRequest(ctx, signed)
		if err != nil {
			s.metrics.UpstreamError("hub")
			return Signer{}, err
		}
		status, err := MapHubState(result.State)
		if err != nil {
			s.logger.Warn("hub returned unknown key request state",
				zap.String("state", result.State))
			return Signer{}, apperror.Upstream(err, "hub returned an unexpected state")
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			return Signer{}, err
		}
		record = Signer{
			ID:          id,
			Provider:    ProviderDirectProtocol,
			Status:      status,
			FID:         fid,
			ApprovalURL: result.DeeplinkURL,
			Token:       result.Token,
			Keypair:     &keypair,
		}

	default:
		return Signer{}, apperror.Validation("unknown provider %q", provider)
	}

	record.CreatedAt = now
	record.UpdatedAt = now

	release := s.repo.Acquire(record.ID)
	defer release()
	s.repo.Put(record)
	s.persistSession(record)

	s.metrics.SignerCreated(string(record.Provider))
	s.logger.Info("signer created",
		zap.String("signer_id", record.ID),
		zap.String("provider", string(record.Provider)),
		zap.String("status", string(record.Status)),
		zap.Uint64("fid", record.FID))
	return record, nil
}

// CheckStatus reconciles the stored signer state against the provider.
// Transient upstream failures never block the read; they only prevent a
// transition from being observed on this check.
func (s *Service) CheckStatus(ctx context.Context, signerID string) (Signer, error) {
	signerID = strings.TrimSpace(signerID)
	if signerID == "" {
		return Signer{}, apperror.Validation("signer id is required")
	}

	release := s.repo.Acquire(signerID)
	defer release()

	record, ok := s.repo.Get(signerID)
	if !ok {
		return Signer{}, apperror.NotFound("signer %q not found", signerID)
	}

	switch {
	case record.Provider == ProviderHostedManaged:
		sdkSigner, err := s.managed.GetSigner(ctx, record.ID)
		if err != nil {
			s.metrics.UpstreamError("managed")
			s.logger.Warn("managed status check failed, using stored state",
				zap.String("signer_id", record.ID), zap.Error(err))
			return record, nil
		}
		status, err := MapManagedState(sdkSigner.Status)
		if err != nil {
			s.logger.Warn("managed sdk returned unknown signer state",
				zap.String("signer_id", record.ID),
				zap.String("state", sdkSigner.Status))
			return Signer{}, apperror.Upstream(err, "managed sdk returned an unexpected state")
		}
		return s.applyObservedState(record, status, sdkSigner.FID)

	case record.Provider == ProviderDirectProtocol && record.Token != "":
		live, err := s.hub.GetKeyRequest(ctx, record.Token)
		if err != nil {
			s.metrics.UpstreamError("hub")
			s.logger.Warn("key request status check failed, using stored state",
				zap.String("signer_id", record.ID), zap.Error(err))
			return record, nil
		}
		status, err := MapHubState(live.State)
		if err != nil {
			s.logger.Warn("hub returned unknown key request state",
				zap.String("signer_id", record.ID),
				zap.String("state", live.State))
			return Signer{}, apperror.Upstream(err, "hub returned an unexpected state")
		}
		return s.applyObservedState(record, status, live.UserFID)

	default:
		return record, nil
	}
}

// applyObservedState persists a reconciled status (and newly observed fid)
// when it differs from the stored record. Runs under the per-signer lock.
func (s *Service) applyObservedState(record Signer, observed Status, observedFID uint64) (Signer, error) {
	if !ValidTransition(record.Provider, record.Status, observed) {
		s.logger.Warn("rejecting invalid status transition",
			zap.String("signer_id", record.ID),
			zap.String("from", string(record.Status)),
			zap.String("to", string(observed)))
		return Signer{}, apperror.Upstream(nil,
			"provider reported status %q which does not follow %q", observed, record.Status)
	}

	changed := false
	if observed != record.Status {
		record.Status = observed
		changed = true
	}
	if observedFID != 0 && observedFID != record.FID {
		record.FID = observedFID
		changed = true
	}
	if changed {
		record.UpdatedAt = s.clock().UTC()
		s.repo.Put(record)
		s.persistSession(record)
	}
	return record, nil
}

// Publish posts text on behalf of the signer. Precondition failures are
// distinct and checked in order; upstream publish failures are always
// surfaced, never absorbed.
func (s *Service) Publish(ctx context.Context, signerID, text, parentRef string) (Post, error) {
	signerID = strings.TrimSpace(signerID)
	if signerID == "" {
		return Post{}, apperror.Validation("signer id is required")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Post{}, apperror.Validation("text is required")
	}
	if len([]rune(trimmed)) > message.MaxCastLength {
		return Post{}, apperror.Validation("text too long")
	}

	release := s.repo.Acquire(signerID)
	defer release()

	record, ok := s.repo.Get(signerID)
	if !ok {
		return Post{}, apperror.NotFound("signer %q not found", signerID)
	}

	// Static readiness check against the last stored status; a signer
	// approved upstream since the last CheckStatus call is rejected until
	// the client re-polls.
	if record.Status != ReadyStatus(record.Provider) {
		return Post{}, apperror.NotReady("signer status is %q, expected %q",
			record.Status, ReadyStatus(record.Provider))
	}

	var hash string
	switch record.Provider {
	case ProviderHostedPreApproved, ProviderHostedManaged:
		cast, err := s.managed.PublishCast(ctx, record.ID, trimmed, parentRef)
		if err != nil {
			s.metrics.UpstreamError("managed")
			return Post{}, err
		}
		hash = cast.Hash

	case ProviderDirectProtocol:
		submitted, err := s.publishDirect(ctx, record, trimmed, parentRef)
		if err != nil {
			return Post{}, err
		}
		hash = submitted

	default:
		return Post{}, apperror.Validation("unknown provider %q", record.Provider)
	}

	now := s.clock().UTC()
	post := Post{
		ID:        postID(now, hash, record.Provider),
		Text:      trimmed,
		Hash:      hash,
		SignerID:  record.ID,
		FID:       record.FID,
		Provider:  record.Provider,
		ParentRef: strings.TrimSpace(parentRef),
		Timestamp: now,
	}
	if err := s.store.Put(storage.NamespacePosts, post.ID, post); err != nil {
		return Post{}, err
	}

	record.UpdatedAt = now
	s.repo.Put(record)
	s.persistSession(record)

	s.metrics.CastPublished(string(record.Provider))
	s.logger.Info("cast published",
		zap.String("signer_id", record.ID),
		zap.String("post_id", post.ID),
		zap.String("provider", string(record.Provider)))
	return post, nil
}

// publishDirect re-verifies live approval, then signs and submits the
// message envelope to the hub.
func (s *Service) publishDirect(ctx context.Context, record Signer, text, parentRef string) (string, error) {
	if record.Keypair == nil {
		return "", apperror.Validation("keys not found")
	}

	// Posting with an unapproved key is rejected by the network, so the
	// cached status is not trusted here.
	live, err := s.hub.GetKeyRequest(ctx, record.Token)
	if err != nil {
		s.metrics.UpstreamError("hub")
		return "", err
	}
	status, err := MapHubState(live.State)
	if err != nil {
		return "", apperror.Upstream(err, "hub returned an unexpected state")
	}
	switch status {
	case StatusCompleted:
	case StatusApproved:
		return "", apperror.PendingConfirmation("signer approved but waiting for confirmation, retry later")
	default:
		return "", apperror.NotReady("signer status is %q, expected %q", status, StatusCompleted)
	}

	envelope, err := s.builder.Build(record.FID, text, parentRef, record.Keypair.PrivateKey)
	if err != nil {
		return "", apperror.Validation("%v", err)
	}
	encoded, err := s.builder.Encode(envelope)
	if err != nil {
		return "", err
	}
	result, err := s.hub.SubmitMessage(ctx, encoded)
	if err != nil {
		s.metrics.UpstreamError("hub")
		return "", err
	}
	if strings.TrimSpace(result.Hash) == "" {
		return envelope.Hash, nil
	}
	return result.Hash, nil
}

// ListPosts returns the stored posts for fid, most recent first.
func (s *Service) ListPosts(fid uint64) ([]Post, error) {
	documents, err := s.store.List(storage.NamespacePosts)
	if err != nil {
		return nil, err
	}
	posts := make([]Post, 0)
	for _, document := range documents {
		var post Post
		if err := json.Unmarshal(document, &post); err != nil {
			s.logger.Warn("skipping undecodable post record", zap.Error(err))
			continue
		}
		if fid == 0 || post.FID == fid {
			posts = append(posts, post)
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].Timestamp.After(posts[j].Timestamp)
	})
	return posts, nil
}

// Get returns the stored signer without reconciliation.
func (s *Service) Get(signerID string) (Signer, bool) {
	return s.repo.Get(signerID)
}

// Counts reports live and persisted record totals for the stats surface.
func (s *Service) Counts() (signers int, users, posts, sessions int, err error) {
	signers = s.repo.Count()
	if users, err = s.store.Count(storage.NamespaceUsers); err != nil {
		return
	}
	if posts, err = s.store.Count(storage.NamespacePosts); err != nil {
		return
	}
	sessions, err = s.store.Count(storage.NamespaceSessions)
	return
}

// persistSession mirrors the signer into the session namespace. Failures
// are logged, not surfaced; the in-memory table stays authoritative.
func (s *Service) persistSession(record Signer) {
	if err := s.store.Put(storage.NamespaceSessions, record.ID, record); err != nil {
		s.logger.Error("failed to persist session record",
			zap.String("signer_id", record.ID), zap.Error(err))
	}
}

func postID(now time.Time, hash string, provider Provider) string {
	fragment := strings.TrimPrefix(strings.TrimSpace(hash), "0x")
	if len(fragment) > 16 {
		fragment = fragment[:16]
	}
	if fragment == "" {
		fragment = string(provider)
	}
	return fmt.Sprintf("%d-%s", now.Unix(), fragment)
}
