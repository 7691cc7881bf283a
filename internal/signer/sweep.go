package signer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/castrelay/castrelay/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = time.Hour
	defaultSessionMaxAge = 24 * time.Hour
)

// Sweeper removes session records (and their live table entries) once they
// age past MaxAge. It runs on a fixed interval independent of request
// traffic and deletes one record at a time so no lock is held across the
// whole pass.
type Sweeper struct {
	store    Store
	repo     *Repository
	interval time.Duration
	maxAge   time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// SweeperConfig describes sweeper construction parameters.
type SweeperConfig struct {
	Store    Store
	Repo     *Repository
	Interval time.Duration
	MaxAge   time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewSweeper builds a sweeper, substituting defaults for zero durations.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultSessionMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		store:    cfg.Store,
		repo:     cfg.Repo,
		interval: interval,
		maxAge:   maxAge,
		clock:    clock,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepOnce()
			if err != nil {
				s.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("session sweep removed expired records", zap.Int("removed", removed))
			}
		}
	}
}

// SweepOnce deletes every session older than MaxAge and reports how many
// were removed.
func (s *Sweeper) SweepOnce() (int, error) {
	documents, err := s.store.List(storage.NamespaceSessions)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().UTC().Add(-s.maxAge)
	removed := 0
	for _, document := range documents {
		var record struct {
			ID        string    `json:"signerId"`
			UpdatedAt time.Time `json:"updatedAt"`
		}
		if err := json.Unmarshal(document, &record); err != nil || record.ID == "" {
			continue
		}
		if !record.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := s.store.Delete(storage.NamespaceSessions, record.ID); err != nil {
			s.logger.Warn("failed to delete expired session",
				zap.String("signer_id", record.ID), zap.Error(err))
			continue
		}
		if s.repo != nil {
			s.repo.Delete(record.ID)
		}
		removed++
	}
	return removed, nil
}
