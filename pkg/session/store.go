package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/daksha-ai/daksha/internal/observability"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned for a disallowed status change
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStepNotRunnable is returned when a step cannot enter the
	// running state (already done, or retries exhausted)
	ErrStepNotRunnable = errors.New("step is not runnable")

	// ErrStepRunning is returned when another step of the session is
	// already running
	ErrStepRunning = errors.New("another step is already running")
)

// Store is the durable, transactional record of sessions, steps,
// messages and artifacts
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and if needed initializes) a session store at path
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	observability.EnsureRegistered()
	logger.Info().Str("path", path).Msg("Session store opened")
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			objective TEXT NOT NULL,
			status TEXT NOT NULL,
			current_ordinal INTEGER NOT NULL DEFAULT 0,
			failure_report TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 2,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(session_id, ordinal)
		);
		CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, ordinal);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			step_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

		CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, path, version)
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, path);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}

	return tx.Commit()
}

// CreateSession creates a new session with the given objective
func (s *Store) CreateSession(ctx context.Context, objective string) (*Session, error) {
	if objective == "" {
		return nil, errors.New("objective cannot be empty")
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		Objective: objective,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, objective, status, current_ordinal, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.Objective, string(sess.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	s.logger.Info().Str("session", sess.ID).Msg("Session created")
	return sess, nil
}

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var sess Session
	var status string
	var report sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&sess.ID, &sess.Objective, &status, &sess.CurrentOrdinal, &report, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)

	if report.Valid && report.String != "" {
		var fr FailureReport
		if err := json.Unmarshal([]byte(report.String), &fr); err == nil {
			sess.FailureReport = &fr
		}
	}

	return &sess, nil
}

const sessionColumns = `id, objective, status, current_ordinal, failure_report, created_at, updated_at`

// GetSession fetches a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions, optionally filtered by status
func (s *Store) ListSessions(ctx context.Context, statuses ...Status) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []interface{}{}

	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session to a new status, enforcing
// the transition rules
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, next Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if !Status(current).CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(next), time.Now().UnixMilli(), id)
		return err
	})
}

// SetFailureReport attaches a structured failure report to a session
func (s *Store) SetFailureReport(ctx context.Context, id string, report *FailureReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal failure report: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET failure_report = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendSteps appends step specs to a session, continuing the ordinal
// sequence without gaps
func (s *Store) AppendSteps(ctx context.Context, sessionID string, specs []StepSpec) ([]*Step, error) {
	if len(specs) == 0 {
		return nil, errors.New("no steps to append")
	}
	for _, spec := range specs {
		if !ValidStepType(spec.Type) {
			return nil, fmt.Errorf("invalid step type: %s", spec.Type)
		}
	}

	var steps []*Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		steps, err = insertSteps(ctx, tx, sessionID, specs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// ReplacePendingSteps deletes the remaining pending steps of a session
// and appends replacements in a single transaction, so a crash can
// never leave the session with its remainder gone and no replacement.
// Done and failed steps are never touched.
func (s *Store) ReplacePendingSteps(ctx context.Context, sessionID string, specs []StepSpec) ([]*Step, error) {
	if len(specs) == 0 {
		return nil, errors.New("no steps to append")
	}
	for _, spec := range specs {
		if !ValidStepType(spec.Type) {
			return nil, fmt.Errorf("invalid step type: %s", spec.Type)
		}
	}

	var steps []*Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM steps WHERE session_id = ? AND status = ?`,
			sessionID, string(StepPending))
		if err != nil {
			return err
		}
		steps, err = insertSteps(ctx, tx, sessionID, specs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// insertSteps appends specs inside tx, continuing the ordinal sequence.
func insertSteps(ctx context.Context, tx *sql.Tx, sessionID string, specs []StepSpec) ([]*Step, error) {
	var maxOrdinal sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(ordinal) FROM steps WHERE session_id = ?`, sessionID).Scan(&maxOrdinal)
	if err != nil {
		return nil, err
	}

	ordinal := int(maxOrdinal.Int64)
	now := time.Now()

	var steps []*Step
	for _, spec := range specs {
		ordinal++

		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate step id: %w", err)
		}

		maxRetries := spec.MaxRetries
		if maxRetries == 0 {
			maxRetries = 2
		}

		input := spec.Input
		if input == nil {
			input = json.RawMessage(`{}`)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (id, session_id, type, ordinal, status, input, retries, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			id, sessionID, string(spec.Type), ordinal, string(StepPending),
			string(input), maxRetries, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to insert step: %w", err)
		}

		steps = append(steps, &Step{
			ID:         id,
			SessionID:  sessionID,
			Type:       spec.Type,
			Ordinal:    ordinal,
			Status:     StepPending,
			Input:      input,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return steps, nil
}

const stepColumns = `id, session_id, type, ordinal, status, input, output, retries, max_retries, created_at, updated_at`

func scanStep(row interface{ Scan(...interface{}) error }) (*Step, error) {
	var step Step
	var stepType, status string
	var input, output sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&step.ID, &step.SessionID, &stepType, &step.Ordinal, &status,
		&input, &output, &step.Retries, &step.MaxRetries, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	step.Type = StepType(stepType)
	step.Status = StepStatus(status)
	if input.Valid {
		step.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		step.Output = json.RawMessage(output.String)
	}
	step.CreatedAt = time.UnixMilli(createdAt)
	step.UpdatedAt = time.UnixMilli(updatedAt)
	return &step, nil
}

// GetStep fetches a step by id
func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	return scanStep(row)
}

// ListSteps returns all steps of a session in ordinal order
func (s *Store) ListSteps(ctx context.Context, sessionID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// NextPendingStep returns the lowest-ordinal pending step of a session,
// or ErrNotFound when none remain
func (s *Store) NextPendingStep(ctx context.Context, sessionID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE session_id = ? AND status = ?
		 ORDER BY ordinal LIMIT 1`,
		sessionID, string(StepPending))
	return scanStep(row)
}

// RunningStep returns the running step of a session, or ErrNotFound
func (s *Store) RunningStep(ctx context.Context, sessionID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE session_id = ? AND status = ?
		 ORDER BY ordinal LIMIT 1`,
		sessionID, string(StepRunning))
	return scanStep(row)
}

// MarkStepRunning transitions a step to running. The transition is
// persisted before dispatch so that a crash mid-step is observable on
// restart. A retry (failed -> running) increments the retry count and is
// rejected once retries are exhausted. A done step is never re-entered.
func (s *Store) MarkStepRunning(ctx context.Context, stepID string) (*Step, error) {
	var step *Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
		st, err := scanStep(row)
		if err != nil {
			return err
		}

		switch st.Status {
		case StepPending:
			// First entry.
		case StepFailed:
			if st.Retries >= st.MaxRetries {
				return fmt.Errorf("%w: retries exhausted (%d/%d)", ErrStepNotRunnable, st.Retries, st.MaxRetries)
			}
			st.Retries++
		default:
			return fmt.Errorf("%w: status %s", ErrStepNotRunnable, st.Status)
		}

		var running int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM steps WHERE session_id = ? AND status = ? AND id != ?`,
			st.SessionID, string(StepRunning), st.ID).Scan(&running)
		if err != nil {
			return err
		}
		if running > 0 {
			return ErrStepRunning
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, retries = ?, updated_at = ? WHERE id = ?`,
			string(StepRunning), st.Retries, now.UnixMilli(), st.ID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET current_ordinal = ?, updated_at = ? WHERE id = ?`,
			st.Ordinal, now.UnixMilli(), st.SessionID)
		if err != nil {
			return err
		}

		st.Status = StepRunning
		st.UpdatedAt = now
		step = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// AdvanceStep atomically persists a running step's done status and output
// together with the session's advance to the next pending step. Readers
// never observe the terminal write without the advance. It returns the
// next pending step, or nil when the sequence is exhausted.
func (s *Store) AdvanceStep(ctx context.Context, stepID string, output json.RawMessage) (*Step, error) {
	var next *Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
		st, err := scanStep(row)
		if err != nil {
			return err
		}

		if st.Status != StepRunning {
			return fmt.Errorf("cannot finish step in status %s", st.Status)
		}

		now := time.Now()
		var out interface{}
		if output != nil {
			out = string(output)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
			string(StepDone), out, now.UnixMilli(), st.ID)
		if err != nil {
			return err
		}

		nextRow := tx.QueryRowContext(ctx,
			`SELECT `+stepColumns+` FROM steps
			 WHERE session_id = ? AND status = ?
			 ORDER BY ordinal LIMIT 1`,
			st.SessionID, string(StepPending))
		nx, err := scanStep(nextRow)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		ordinal := st.Ordinal
		if nx != nil {
			ordinal = nx.Ordinal
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET current_ordinal = ?, updated_at = ? WHERE id = ?`,
			ordinal, now.UnixMilli(), st.SessionID)
		if err != nil {
			return err
		}

		next = nx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// MarkStepFailed persists a running step's failed status and output. The
// session cursor is left in place so the step can be retried or replanned.
func (s *Store) MarkStepFailed(ctx context.Context, stepID string, output json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
		st, err := scanStep(row)
		if err != nil {
			return err
		}

		if st.Status != StepRunning {
			return fmt.Errorf("cannot fail step in status %s", st.Status)
		}

		var out interface{}
		if output != nil {
			out = string(output)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, output = ?, updated_at = ? WHERE id = ?`,
			string(StepFailed), out, time.Now().UnixMilli(), st.ID)
		return err
	})
}

// RetryableStep returns the lowest-ordinal failed step that still has
// retries left, or ErrNotFound. Steps abandoned by a replan have their
// retries exhausted and never reappear here.
func (s *Store) RetryableStep(ctx context.Context, sessionID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE session_id = ? AND status = ? AND retries < max_retries
		 ORDER BY ordinal LIMIT 1`,
		sessionID, string(StepFailed))
	return scanStep(row)
}

// ExhaustStep burns a failed step's remaining retries, making its
// failure terminal.
func (s *Store) ExhaustStep(ctx context.Context, stepID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
		st, err := scanStep(row)
		if err != nil {
			return err
		}
		if st.Status != StepFailed {
			return fmt.Errorf("cannot exhaust step in status %s", st.Status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE steps SET retries = max_retries, updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), st.ID)
		return err
	})
}

// AppendMessage appends a message to the session's conversation log
func (s *Store) AppendMessage(ctx context.Context, sessionID, stepID, role, content string) (*Message, error) {
	now := time.Now()

	var step interface{}
	if stepID != "" {
		step = stepID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, step_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, step, role, content, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        id,
		SessionID: sessionID,
		StepID:    stepID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// ListMessages returns the session's messages in insertion order
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var stepID sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &stepID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, err
		}
		msg.StepID = stepID.String
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// AppendArtifact appends a new version for (session, path). Versions are
// never overwritten.
func (s *Store) AppendArtifact(ctx context.Context, sessionID, path, content string) (*Artifact, error) {
	if path == "" {
		return nil, errors.New("artifact path cannot be empty")
	}

	var artifact *Artifact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(version) FROM artifacts WHERE session_id = ? AND path = ?`,
			sessionID, path).Scan(&maxVersion)
		if err != nil {
			return err
		}

		version := int(maxVersion.Int64) + 1
		now := time.Now()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (session_id, path, version, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, path, version, content, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		artifact = &Artifact{
			ID:        id,
			SessionID: sessionID,
			Path:      path,
			Version:   version,
			Content:   content,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// CurrentArtifact returns the latest version for (session, path)
func (s *Store) CurrentArtifact(ctx context.Context, sessionID, path string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, path, version, content, created_at
		FROM artifacts WHERE session_id = ? AND path = ?
		ORDER BY version DESC LIMIT 1`, sessionID, path)
	return scanArtifact(row)
}

// ListCurrentArtifacts returns the latest version of every artifact path
// in a session
func (s *Store) ListCurrentArtifacts(ctx context.Context, sessionID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.session_id, a.path, a.version, a.content, a.created_at
		FROM artifacts a
		JOIN (
			SELECT path, MAX(version) AS version
			FROM artifacts WHERE session_id = ? GROUP BY path
		) latest ON a.path = latest.path AND a.version = latest.version
		WHERE a.session_id = ?
		ORDER BY a.path`, sessionID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ArtifactVersions returns every stored version for (session, path)
func (s *Store) ArtifactVersions(ctx context.Context, sessionID, path string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, path, version, content, created_at
		FROM artifacts WHERE session_id = ? AND path = ?
		ORDER BY version`, sessionID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row interface{ Scan(...interface{}) error }) (*Artifact, error) {
	var a Artifact
	var createdAt int64
	err := row.Scan(&a.ID, &a.SessionID, &a.Path, &a.Version, &a.Content, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

// DeleteSession removes a session and all child records
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
