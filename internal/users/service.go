package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/castrelay/castrelay/internal/apperror"
	"github.com/castrelay/castrelay/internal/hub"
	"github.com/castrelay/castrelay/internal/managed"
	"github.com/castrelay/castrelay/internal/metrics"
	"github.com/castrelay/castrelay/internal/signer"
	"github.com/castrelay/castrelay/internal/storage"
	"go.uber.org/zap"
)

var (
	errMissingHubClient     = errors.New("users: hub client is required")
	errMissingManagedClient = errors.New("users: managed client is required")
	errMissingStore         = errors.New("users: store is required")
)

// Profile is the canonical stored user snapshot, keyed by fid.
type Profile struct {
	FID         uint64 `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatarUrl"`
}

// HubProfiles is the slice of the direct protocol client used for lookups.
type HubProfiles interface {
	GetProfile(ctx context.Context, fid uint64) (hub.Profile, error)
}

// ManagedProfiles is the slice of the managed SDK client used for lookups.
type ManagedProfiles interface {
	Available() bool
	GetProfile(ctx context.Context, fid uint64) (managed.Profile, error)
}

// ProfileStore persists fetched snapshots.
type ProfileStore interface {
	Put(ns storage.Namespace, key string, value interface{}) error
}

// ServiceConfig describes profile service dependencies.
type ServiceConfig struct {
	Hub     HubProfiles
	Managed ManagedProfiles
	Store   ProfileStore
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service resolves user profiles with a fixed direct-then-managed fallback.
type Service struct {
	hub     HubProfiles
	managed ManagedProfiles
	store   ProfileStore
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService validates dependencies and constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Hub == nil {
		return nil, errMissingHubClient
	}
	if cfg.Managed == nil {
		return nil, errMissingManagedClient
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		hub:     cfg.Hub,
		managed: cfg.Managed,
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// GetProfile fetches the snapshot for fid: direct protocol first, managed
// SDK on failure, combined upstream error when both fail. A successful
// fetch overwrites the stored user record.
func (s *Service) GetProfile(ctx context.Context, fid uint64) (Profile, signer.Provider, error) {
	if fid == 0 {
		return Profile{}, "", apperror.Validation("fid is required")
	}

	hubProfile, hubErr := s.hub.GetProfile(ctx, fid)
	if hubErr == nil {
		profile := Profile{
			FID:         fid,
			Username:    hubProfile.Username,
			DisplayName: hubProfile.DisplayName,
			Bio:         hubProfile.Bio,
			AvatarURL:   hubProfile.AvatarURL,
		}
		s.persist(profile)
		return profile, signer.ProviderDirectProtocol, nil
	}
	s.metrics.UpstreamError("hub")
	s.logger.Warn("direct profile lookup failed, trying managed sdk",
		zap.Uint64("fid", fid), zap.Error(hubErr))

	managedProfile, managedErr := s.managed.GetProfile(ctx, fid)
	if managedErr == nil {
		profile := Profile{
			FID:         fid,
			Username:    managedProfile.Username,
			DisplayName: managedProfile.DisplayName,
			Bio:         managedProfile.Bio,
			AvatarURL:   managedProfile.AvatarURL,
		}
		s.persist(profile)
		return profile, signer.ProviderHostedManaged, nil
	}
	s.metrics.UpstreamError("managed")

	return Profile{}, "", apperror.Upstream(
		fmt.Errorf("direct: %v; managed: %v", hubErr, managedErr),
		"both providers failed to resolve fid %d", fid)
}

// persist overwrites the stored snapshot; lookups succeed even when the
// write does not.
func (s *Service) persist(profile Profile) {
	key := strconv.FormatUint(profile.FID, 10)
	if err := s.store.Put(storage.NamespaceUsers, key, profile); err != nil {
		s.logger.Error("failed to persist user snapshot",
			zap.Uint64("fid", profile.FID), zap.Error(err))
	}
}
