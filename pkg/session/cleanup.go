package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultRetentionAge is how long terminal sessions are kept
	DefaultRetentionAge = 7 * 24 * time.Hour

	cleanupInterval = 24 * time.Hour
)

// Cleanup prunes terminal sessions past the retention age, archiving
// each one first when an archiver is attached
type Cleanup struct {
	store        *Store
	archiver     *Archiver
	retentionAge time.Duration
	stopCh       chan struct{}
	running      bool
}

// NewCleanup creates a new session cleanup handler. A nil archiver
// disables the pre-deletion export.
func NewCleanup(store *Store, retentionAge time.Duration, archiver *Archiver) *Cleanup {
	if retentionAge == 0 {
		retentionAge = DefaultRetentionAge
	}

	return &Cleanup{
		store:        store,
		archiver:     archiver,
		retentionAge: retentionAge,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the cleanup loop
func (c *Cleanup) Start() error {
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.running = true
	go c.run()

	log.Info().
		Dur("retention_age", c.retentionAge).
		Msg("Session cleanup started")

	return nil
}

// Stop stops the cleanup loop
func (c *Cleanup) Stop() error {
	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	close(c.stopCh)
	c.running = false

	log.Info().Msg("Session cleanup stopped")
	return nil
}

func (c *Cleanup) run() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	if _, err := c.Prune(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to prune old sessions")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := c.Prune(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to prune old sessions")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Prune deletes terminal sessions whose last update predates the retention
// age. Returns the number of sessions removed.
func (c *Cleanup) Prune(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.retentionAge)

	sessions, err := c.store.ListSessions(ctx, StatusDone, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	removed := 0
	for _, sess := range sessions {
		if sess.UpdatedAt.After(cutoff) {
			continue
		}

		if c.archiver != nil {
			if _, err := c.archiver.Archive(ctx, sess.ID); err != nil {
				log.Warn().Err(err).Str("session", sess.ID).Msg("Failed to archive session, keeping it")
				continue
			}
		}

		if err := c.store.DeleteSession(ctx, sess.ID); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Failed to delete session")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Pruned old sessions")
	}
	return removed, nil
}
