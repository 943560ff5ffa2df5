// Package memory stores retrievable context chunks and assembles a
// bounded, relevance-ranked context for model calls. Chunks are immutable
// once stored; only their relevance score is computed at query time.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/daksha-ai/daksha/internal/observability"
	"github.com/daksha-ai/daksha/pkg/provider"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ChunkKind identifies the origin of a chunk
type ChunkKind string

const (
	KindMessage  ChunkKind = "message"
	KindResearch ChunkKind = "research"
	KindArtifact ChunkKind = "artifact"
)

// Chunk is an immutable unit of retrievable context. Score is computed
// per query and is zero outside retrieval results.
type Chunk struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      ChunkKind `json:"kind"`
	Source    string    `json:"source,omitempty"` // step id, url, or artifact path
	Content   string    `json:"content"`
	Keywords  []string  `json:"keywords,omitempty"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds memory manager configuration
type Config struct {
	DBPath        string
	Logger        zerolog.Logger
	LexicalWeight float64
	KeywordWeight float64
	VectorWeight  float64
	Embedder      EmbeddingProvider // optional, nil disables vector scoring
}

// Manager handles chunk ingestion and budgeted retrieval
type Manager struct {
	db       *sql.DB
	logger   zerolog.Logger
	embedder EmbeddingProvider

	lexicalWeight float64
	keywordWeight float64
	vectorWeight  float64

	// ftsEnabled is false when the sqlite build lacks the fts5 module,
	// in which case ranking falls back to keyword overlap.
	ftsEnabled bool
}

// NewManager creates a new memory manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	m := &Manager{
		db:            db,
		logger:        cfg.Logger,
		embedder:      cfg.Embedder,
		lexicalWeight: cfg.LexicalWeight,
		keywordWeight: cfg.KeywordWeight,
		vectorWeight:  cfg.VectorWeight,
	}

	if m.lexicalWeight == 0 && m.keywordWeight == 0 {
		m.lexicalWeight = 0.7
		m.keywordWeight = 0.3
	}
	if m.embedder != nil && m.vectorWeight == 0 {
		m.vectorWeight = 0.3
	}

	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	observability.EnsureRegistered()
	m.logger.Info().Msg("Memory manager initialized")
	return m, nil
}

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			source TEXT,
			content TEXT NOT NULL,
			keywords TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id, created_at);
	`

	if _, err := m.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 is only compiled into mattn/go-sqlite3 with the sqlite_fts5
	// build tag. Without it, fall back to keyword overlap ranking.
	ftsSchema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			session_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`
	if _, err := m.db.Exec(ftsSchema); err != nil {
		if !strings.Contains(err.Error(), "fts5") {
			return err
		}
		m.ftsEnabled = false
		m.keywordWeight += m.lexicalWeight
		m.lexicalWeight = 0
		m.logger.Warn().Err(err).
			Msg("Full-text index unavailable, using keyword ranking; build with -tags sqlite_fts5 to enable it")
	} else {
		m.ftsEnabled = true
	}

	if m.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS chunk_embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, m.embedder.Dimension())

		if _, err := m.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Ingest stores a chunk. Keywords are extracted when not supplied. The
// chunk id is assigned when empty; a chunk is never modified afterwards.
func (m *Manager) Ingest(ctx context.Context, chunk Chunk) (*Chunk, error) {
	if chunk.Content == "" {
		return nil, errors.New("chunk content cannot be empty")
	}
	if chunk.SessionID == "" {
		return nil, errors.New("chunk session cannot be empty")
	}

	if chunk.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate chunk id: %w", err)
		}
		chunk.ID = id
	}
	if chunk.Kind == "" {
		chunk.Kind = KindMessage
	}
	if len(chunk.Keywords) == 0 {
		chunk.Keywords = ExtractKeywords(chunk.Content, 10)
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}

	keywords, err := json.Marshal(chunk.Keywords)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keywords: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chunks (id, session_id, kind, source, content, keywords, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.SessionID, string(chunk.Kind), chunk.Source,
		chunk.Content, string(keywords), chunk.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert chunk: %w", err)
	}

	if m.ftsEnabled {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks_fts (chunk_id, session_id, content)
			VALUES (?, ?, ?)`,
			chunk.ID, chunk.SessionID, chunk.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to index chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if m.embedder != nil {
		if err := m.indexEmbedding(ctx, chunk); err != nil {
			// Vector scoring is best effort, lexical ranking still works.
			m.logger.Warn().Err(err).Str("chunk", chunk.ID).Msg("Failed to index embedding")
		}
	}

	observability.RecordMemoryIngest()
	m.logger.Debug().
		Str("chunk", chunk.ID).
		Str("kind", string(chunk.Kind)).
		Msg("Chunk ingested")

	return &chunk, nil
}

func (m *Manager) indexEmbedding(ctx context.Context, chunk Chunk) error {
	embedding, err := m.embedder.GenerateEmbedding(ctx, chunk.Content)
	if err != nil {
		return err
	}

	data, err := json.Marshal(embedding)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO chunk_embeddings (chunk_id, embedding) VALUES (?, ?)`,
		chunk.ID, string(data))
	return err
}

// Retrieve returns session chunks ranked by relevance to query and
// greedily packed into tokenBudget. The assembled context never exceeds
// the budget; packing stops at the first chunk that does not fit, so
// chunks are included whole or not at all. Ties are broken by recency,
// most recent first.
func (m *Manager) Retrieve(ctx context.Context, sessionID, query string, tokenBudget int) ([]Chunk, error) {
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if query == "" || tokenBudget <= 0 {
		return []Chunk{}, nil
	}

	scored, err := m.rank(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}

	var packed []Chunk
	used := 0
	for _, chunk := range scored {
		cost := provider.EstimateTextTokens(chunk.Content)
		if used+cost > tokenBudget {
			break
		}
		used += cost
		packed = append(packed, chunk)
	}

	m.logger.Debug().
		Str("query", query).
		Int("candidates", len(scored)).
		Int("packed", len(packed)).
		Int("tokens", used).
		Msg("Context assembled")

	return packed, nil
}

const candidateLimit = 200

func (m *Manager) rank(ctx context.Context, sessionID, query string) ([]Chunk, error) {
	var lexical map[string]float64
	var err error
	if m.ftsEnabled {
		lexical, err = m.lexicalSearch(ctx, sessionID, query, candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("lexical search failed: %w", err)
		}
	} else {
		lexical, err = m.recentChunkIDs(ctx, sessionID, candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("candidate scan failed: %w", err)
		}
	}

	var vector map[string]float64
	if m.embedder != nil {
		vector, err = m.vectorSearch(ctx, query, candidateLimit)
		if err != nil {
			// Degrade to lexical-only ranking.
			m.logger.Warn().Err(err).Msg("Vector search failed, using lexical only")
			vector = nil
		}
	}

	queryKeywords := ExtractKeywords(query, 10)

	ids := make(map[string]struct{}, len(lexical))
	var maxBm25 float64
	for id, score := range lexical {
		ids[id] = struct{}{}
		if score > maxBm25 {
			maxBm25 = score
		}
	}
	for id := range vector {
		ids[id] = struct{}{}
	}

	if len(ids) == 0 {
		return nil, nil
	}

	var scored []Chunk
	for id := range ids {
		chunk, err := m.getChunk(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		if chunk.SessionID != sessionID {
			continue
		}

		var lexNorm float64
		if score, ok := lexical[id]; ok && maxBm25 > 0 {
			lexNorm = score / maxBm25
		}

		overlap := KeywordOverlap(queryKeywords, chunk.Keywords)

		var vecNorm float64
		if sim, ok := vector[id]; ok {
			// Map cosine similarity [-1, 1] to [0, 1]
			vecNorm = (sim + 1) / 2
		}

		chunk.Score = m.lexicalWeight*lexNorm + m.keywordWeight*overlap + m.vectorWeight*vecNorm
		if !m.ftsEnabled && chunk.Score == 0 {
			// Without FTS the candidate scan is unfiltered, so drop
			// chunks the query shares nothing with.
			continue
		}
		scored = append(scored, *chunk)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})

	return scored, nil
}

// recentChunkIDs returns the most recent session chunks as zero-scored
// candidates for keyword ranking when the full-text index is unavailable.
func (m *Manager) recentChunkIDs(ctx context.Context, sessionID string, limit int) (map[string]float64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM chunks
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]float64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		results[id] = 0
	}
	return results, rows.Err()
}

// lexicalSearch performs FTS5 bm25 search, returning positive scores
func (m *Manager) lexicalSearch(ctx context.Context, sessionID, query string, limit int) (map[string]float64, error) {
	match := ftsQuery(query)
	if match == "" {
		return map[string]float64{}, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ? AND session_id = ?
		ORDER BY score
		LIMIT ?`, match, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := map[string]float64{}
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, convert to positive
		results[chunkID] = -score
	}
	return results, rows.Err()
}

// ftsQuery sanitizes a free-text query into an FTS5 OR expression
func ftsQuery(query string) string {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return ""
	}

	match := ""
	for i, term := range terms {
		if i > 0 {
			match += " OR "
		}
		match += `"` + term + `"`
	}
	return match
}

// vectorSearch returns cosine similarity per chunk id
func (m *Manager) vectorSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	embedding, err := m.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM chunk_embeddings
		ORDER BY distance ASC
		LIMIT ?`, string(data), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := map[string]float64{}
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		results[chunkID] = 1.0 - distance
	}
	return results, rows.Err()
}

func (m *Manager) getChunk(ctx context.Context, id string) (*Chunk, error) {
	var chunk Chunk
	var kind string
	var source, keywords sql.NullString
	var createdAt int64

	err := m.db.QueryRowContext(ctx, `
		SELECT id, session_id, kind, source, content, keywords, created_at
		FROM chunks WHERE id = ?`, id).
		Scan(&chunk.ID, &chunk.SessionID, &kind, &source, &chunk.Content, &keywords, &createdAt)
	if err != nil {
		return nil, err
	}

	chunk.Kind = ChunkKind(kind)
	chunk.Source = source.String
	chunk.CreatedAt = time.UnixMilli(createdAt)
	if keywords.Valid && keywords.String != "" {
		_ = json.Unmarshal([]byte(keywords.String), &chunk.Keywords)
	}
	return &chunk, nil
}

// Count returns the number of chunks stored for a session
func (m *Manager) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
