package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
)

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// StartAutoSync runs SyncAll on a cron schedule such as "@every 5m" or
// "*/10 * * * *". A tick that finds a pass running is skipped.
func (s *Service) StartAutoSync(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncErrors.E(
			syncErrors.Op(opAutoSync),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			errors.New("service is closed"),
		)
	}
	if s.cron != nil {
		return syncErrors.Invalid(opAutoSync, component, "auto sync is already running")
	}

	logger := s.logger.With("schedule", spec)
	c := cron.New(cron.WithLogger(cronLogger{logger: logger}))
	if _, err := c.AddFunc(spec, s.autoSyncTick); err != nil {
		return syncErrors.E(
			syncErrors.Op(opAutoSync),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			syncErrors.ErrCodeValidationFailure,
			fmt.Errorf("invalid schedule %q: %w", spec, err),
		)
	}
	c.Start()
	s.cron = c
	logger.Info("Auto sync started")
	return nil
}

// StopAutoSync stops the schedule and waits for a running tick to finish.
func (s *Service) StopAutoSync() error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return syncErrors.Invalid(opAutoSync, component, "auto sync is not running")
	}
	<-c.Stop().Done()
	s.logger.Info("Auto sync stopped")
	return nil
}

func (s *Service) autoSyncTick() {
	if s.lock.busy() {
		s.logger.Debug("Auto sync tick skipped, pass in progress")
		return
	}
	results, err := s.SyncAll(context.Background())
	switch {
	case syncErrors.IsKind(err, syncErrors.KindLocked):
		s.logger.Debug("Auto sync tick skipped, pass in progress")
	case err != nil:
		s.logger.Error("Auto sync failed", "error", err)
	default:
		s.logger.Debug("Auto sync completed", "buckets", len(results))
	}
}
