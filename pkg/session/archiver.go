package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ArchiveEntry is one line of an archived session export
type ArchiveEntry struct {
	Kind     string    `json:"kind"` // session, step, message, artifact
	Session  *Session  `json:"session,omitempty"`
	Step     *Step     `json:"step,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Archiver exports sessions to JSONL files for offline inspection
type Archiver struct {
	store      *Store
	archiveDir string
}

// NewArchiver creates a new session archiver
func NewArchiver(store *Store, archiveDir string) (*Archiver, error) {
	if err := os.MkdirAll(archiveDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		store:      store,
		archiveDir: archiveDir,
	}, nil
}

// Archive writes the full session record to <archiveDir>/<id>.jsonl and
// returns the file path
func (a *Archiver) Archive(ctx context.Context, sessionID string) (string, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	steps, err := a.store.ListSteps(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to list steps: %w", err)
	}

	messages, err := a.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to list messages: %w", err)
	}

	artifacts, err := a.store.ListCurrentArtifacts(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to list artifacts: %w", err)
	}

	path := filepath.Join(a.archiveDir, sessionID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	write := func(entry ArchiveEntry) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}

	if err := write(ArchiveEntry{Kind: "session", Session: sess}); err != nil {
		return "", err
	}
	for _, step := range steps {
		if err := write(ArchiveEntry{Kind: "step", Step: step}); err != nil {
			return "", err
		}
	}
	for _, msg := range messages {
		if err := write(ArchiveEntry{Kind: "message", Message: msg}); err != nil {
			return "", err
		}
	}
	for _, art := range artifacts {
		if err := write(ArchiveEntry{Kind: "artifact", Artifact: art}); err != nil {
			return "", err
		}
	}

	if err := w.Flush(); err != nil {
		return "", err
	}

	log.Info().Str("session", sessionID).Str("path", path).Msg("Session archived")
	return path, nil
}
