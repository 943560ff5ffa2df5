package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/daksha-ai/daksha/pkg/session"
)

// ErrUnsafePath is returned when an artifact path would escape the
// session directory.
var ErrUnsafePath = errors.New("artifact path escapes the workspace")

// Manager materializes session artifacts onto disk so sandboxed
// commands can run against them. Each session gets its own directory
// under the root.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// SessionDir returns the directory for a session, creating it if needed.
func (m *Manager) SessionDir(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}
	dir := filepath.Join(m.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// safeJoin joins rel under dir and rejects paths that climb out of it.
func safeJoin(dir, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, rel)
	}
	joined := filepath.Join(dir, rel)
	if joined != dir && !strings.HasPrefix(joined, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	if joined == dir {
		return "", fmt.Errorf("%w: %q resolves to the session root", ErrUnsafePath, rel)
	}
	return joined, nil
}

// WriteFile writes one file under the session directory.
func (m *Manager) WriteFile(sessionID, relPath string, content []byte) (string, error) {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	path, err := safeJoin(dir, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", relPath, err)
	}
	return path, nil
}

// ReadFile reads a file back from the session directory.
func (m *Manager) ReadFile(sessionID, relPath string) ([]byte, error) {
	dir := filepath.Join(m.root, sessionID)
	path, err := safeJoin(dir, relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Materialize writes the current version of every artifact into the
// session directory and returns that directory. Files already on disk
// are overwritten so the tree always reflects the store.
func (m *Manager) Materialize(ctx context.Context, sessionID string, artifacts []*session.Artifact) (string, error) {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return "", err
	}
	for _, art := range artifacts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := m.WriteFile(sessionID, art.Path, []byte(art.Content)); err != nil {
			return "", err
		}
	}
	log.Debug().
		Str("session_id", sessionID).
		Int("artifacts", len(artifacts)).
		Msg("Workspace materialized")
	return dir, nil
}

// Clean removes a session's directory and everything in it.
func (m *Manager) Clean(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	return os.RemoveAll(filepath.Join(m.root, sessionID))
}
