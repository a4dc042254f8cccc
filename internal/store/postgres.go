package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

func NewPostgresStore(ctx context.Context, connStr string, dims int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, dims: dims}, nil
}

func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema(p.dims))
	return err
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

const callColumns = `id, organization_id, agent_id, recording_url, duration, started_at, ended_at,
	resolution_status, processed, state, attempts, failure_reason, retryable, created_at, updated_at`

func scanCall(row pgx.Row) (types.Call, error) {
	var c types.Call
	err := row.Scan(&c.ID, &c.OrganizationID, &c.AgentID, &c.RecordingURL, &c.Duration,
		&c.StartedAt, &c.EndedAt, &c.ResolutionStatus, &c.Processed, &c.State, &c.Attempts,
		&c.FailureReason, &c.Retryable, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Call{}, types.ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) CreateCall(ctx context.Context, c types.Call) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO calls (`+callColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.OrganizationID, c.AgentID, c.RecordingURL, c.Duration, c.StartedAt, c.EndedAt,
		c.ResolutionStatus, c.Processed, c.State, c.Attempts, c.FailureReason, c.Retryable,
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (p *PostgresStore) GetCall(ctx context.Context, id uuid.UUID) (types.Call, error) {
	return scanCall(p.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
}

func (p *PostgresStore) ClaimCall(ctx context.Context, id uuid.UUID, maxAttempts int) (types.Call, error) {
	var prior types.Call
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		c, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := claimError(c, maxAttempts); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE calls SET state = 'processing', attempts = attempts + 1,
			updated_at = now() WHERE id = $1`, id)
		prior = c
		return err
	})
	if err != nil {
		return types.Call{}, err
	}
	return prior, nil
}

func (p *PostgresStore) ReleaseCall(ctx context.Context, prior types.Call) error {
	tag, err := p.pool.Exec(ctx, `UPDATE calls SET state = $2, attempts = $3, failure_reason = $4,
		retryable = $5, updated_at = now() WHERE id = $1 AND state = 'processing'`,
		prior.ID, prior.State, prior.Attempts, prior.FailureReason, prior.Retryable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrConflict
	}
	return nil
}

func (p *PostgresStore) CompleteCall(ctx context.Context, a types.CallAnalytics) error {
	transcript, err := json.Marshal(a.Transcription)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	highlights, err := json.Marshal(a.Highlights)
	if err != nil {
		return fmt.Errorf("encode highlights: %w", err)
	}
	if a.Highlights == nil {
		highlights = []byte("[]")
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE calls SET state = 'processed', processed = TRUE,
			failure_reason = '', retryable = FALSE, updated_at = now()
			WHERE id = $1 AND state = 'processing'`, a.CallID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.ErrConflict
		}
		tag, err = tx.Exec(ctx, `INSERT INTO call_analytics (id, call_id, sentiment_score,
			transcription, transcript_highlights, topics, flags, call_type, summary, note)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (call_id) DO NOTHING`,
			a.ID, a.CallID, a.SentimentScore, transcript, highlights,
			a.Topics.Values(), a.Flags.Values(), a.CallType, a.Summary, a.Note)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.ErrAlreadyProcessed
		}
		_, err = tx.Exec(ctx, `DELETE FROM call_transcripts WHERE call_id = $1`, a.CallID)
		return err
	})
}

func (p *PostgresStore) FailCall(ctx context.Context, id uuid.UUID, reason string, retryable bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE calls SET state = 'failed', failure_reason = $2,
		retryable = $3, updated_at = now() WHERE id = $1 AND state = 'processing'`,
		id, reason, retryable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, id)
	}
	return nil
}

func (p *PostgresStore) RequeueCall(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE calls SET state = 'uploaded', attempts = 0,
		failure_reason = '', retryable = FALSE, updated_at = now()
		WHERE id = $1 AND state = 'failed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, id)
	}
	return nil
}

func (p *PostgresStore) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	if _, err := p.GetCall(ctx, id); err != nil {
		return err
	}
	return types.ErrConflict
}

func (p *PostgresStore) ListProcessable(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `SELECT id FROM calls
		WHERE state = 'uploaded' OR (state = 'failed' AND retryable AND attempts < $1)
		ORDER BY created_at, id LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (p *PostgresStore) ListFailed(ctx context.Context, maxAttempts int) ([]types.Call, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+callColumns+` FROM calls
		WHERE state = 'failed' AND (NOT retryable OR attempts >= $1)
		ORDER BY created_at, id`, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAnalytics(ctx context.Context, callID uuid.UUID) (types.CallAnalytics, error) {
	var (
		a                      types.CallAnalytics
		transcript, highlights []byte
		topics, flags          []string
	)
	err := p.pool.QueryRow(ctx, `SELECT id, call_id, sentiment_score, transcription,
		transcript_highlights, topics, flags, call_type, summary, note
		FROM call_analytics WHERE call_id = $1`, callID).Scan(
		&a.ID, &a.CallID, &a.SentimentScore, &transcript, &highlights,
		&topics, &flags, &a.CallType, &a.Summary, &a.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CallAnalytics{}, types.ErrNotFound
	}
	if err != nil {
		return types.CallAnalytics{}, err
	}
	if err := json.Unmarshal(transcript, &a.Transcription); err != nil {
		return types.CallAnalytics{}, fmt.Errorf("decode transcript: %w", err)
	}
	if err := json.Unmarshal(highlights, &a.Highlights); err != nil {
		return types.CallAnalytics{}, fmt.Errorf("decode highlights: %w", err)
	}
	a.Topics = types.NewStringSet(topics...)
	a.Flags = types.NewStringSet(flags...)
	return a, nil
}

func (p *PostgresStore) SaveTranscript(ctx context.Context, callID uuid.UUID, tr types.Transcript) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO call_transcripts (call_id, segments) VALUES ($1, $2)
		ON CONFLICT (call_id) DO UPDATE SET segments = EXCLUDED.segments, created_at = now()`,
		callID, data)
	return err
}

func (p *PostgresStore) CachedTranscript(ctx context.Context, callID uuid.UUID) (types.Transcript, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT segments FROM call_transcripts WHERE call_id = $1`, callID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Transcript{}, false, nil
	}
	if err != nil {
		return types.Transcript{}, false, err
	}
	var tr types.Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return types.Transcript{}, false, fmt.Errorf("decode cached transcript: %w", err)
	}
	return tr, true, nil
}

const documentColumns = `id, title, file_type, total_pages, file_size, source_url, category,
	use_count, helpful_rating, tags, summary, index_state, index_error, created_at, updated_at`

func scanDocument(row pgx.Row) (types.Document, error) {
	var (
		d    types.Document
		tags []string
	)
	err := row.Scan(&d.ID, &d.Title, &d.FileType, &d.TotalPages, &d.FileSize, &d.SourceURL,
		&d.Category, &d.UseCount, &d.HelpfulRating, &tags, &d.Summary, &d.IndexState,
		&d.IndexError, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Document{}, types.ErrNotFound
	}
	d.Tags = types.NewStringSet(tags...)
	return d, err
}

func (p *PostgresStore) UpsertDocument(ctx context.Context, d types.Document) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO documents (id, title, file_type, total_pages, file_size,
			source_url, category, helpful_rating, tags, summary, index_state, index_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			file_type = EXCLUDED.file_type,
			total_pages = EXCLUDED.total_pages,
			file_size = EXCLUDED.file_size,
			source_url = EXCLUDED.source_url,
			category = EXCLUDED.category,
			helpful_rating = EXCLUDED.helpful_rating,
			tags = EXCLUDED.tags,
			summary = EXCLUDED.summary,
			index_state = EXCLUDED.index_state,
			index_error = EXCLUDED.index_error,
			updated_at = now()`,
		d.ID, d.Title, d.FileType, d.TotalPages, d.FileSize, d.SourceURL, d.Category,
		d.HelpfulRating, lowerAll(d.Tags.Values()), d.Summary, d.IndexState, d.IndexError)
	return err
}

func (p *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (types.Document, error) {
	return scanDocument(p.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
}

func (p *PostgresStore) ListDocuments(ctx context.Context, state types.IndexState) ([]types.Document, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE $1 = '' OR index_state = $1 ORDER BY title`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetIndexState(ctx context.Context, id uuid.UUID, state types.IndexState, reason string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE documents SET index_state = $2, index_error = $3,
		updated_at = now() WHERE id = $1`, id, state, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementUseCount(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `UPDATE documents SET use_count = use_count + 1
		WHERE id = ANY($1::uuid[])`, uuidStrings(ids))
	return err
}

func (p *PostgresStore) ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []types.DocumentChunk) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(`INSERT INTO document_chunks
				(id, document_id, content, embedding, page_number, chunk_number, overlap)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				c.ID, docID, c.Content, toPgVector(c.Embedding), c.PageNumber, c.ChunkNumber, c.Overlap)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (p *PostgresStore) SaveEmbeddings(ctx context.Context, chunks []types.DocumentChunk) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, c := range chunks {
			tag, err := tx.Exec(ctx, `UPDATE document_chunks SET embedding = $2 WHERE id = $1`,
				c.ID, toPgVector(c.Embedding))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return types.ErrNotFound
			}
		}
		return nil
	})
}

func (p *PostgresStore) ListChunks(ctx context.Context, docID uuid.UUID) ([]types.DocumentChunk, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, document_id, content, embedding::text, page_number,
		chunk_number, overlap FROM document_chunks WHERE document_id = $1 ORDER BY chunk_number`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DocumentChunk
	for rows.Next() {
		var (
			c   types.DocumentChunk
			emb *string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &emb, &c.PageNumber,
			&c.ChunkNumber, &c.Overlap); err != nil {
			return nil, err
		}
		if c.Embedding, err = fromPgVector(emb); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchChunks orders by pgvector cosine distance (<=>) with chunk number and document
// id as tie-breakers, so results match the in-memory scan.
func (p *PostgresStore) SearchChunks(ctx context.Context, query []float32, k int, f types.SearchFilter) ([]types.ScoredChunk, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.content, c.page_number, c.chunk_number, c.overlap,
		       d.title, c.embedding <=> $1 AS distance
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL
		  AND ($3 = '' OR d.category = $3)
		  AND (cardinality($4::uuid[]) = 0 OR c.document_id = ANY($4::uuid[]))
		  AND d.tags @> $5::text[]
		ORDER BY distance, c.chunk_number, c.document_id
		LIMIT $2`,
		pgvector.NewVector(query), k, string(f.Category), uuidStrings(f.DocumentIDs), lowerAll(f.Tags))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []types.ScoredChunk
	for rows.Next() {
		var h types.ScoredChunk
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.Content, &h.Chunk.PageNumber,
			&h.Chunk.ChunkNumber, &h.Chunk.Overlap, &h.DocumentTitle, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// toPgVector returns nil for an absent embedding so the column stays NULL.
func toPgVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func fromPgVector(s *string) ([]float32, error) {
	if s == nil {
		return nil, nil
	}
	var v pgvector.Vector
	if err := v.Scan(*s); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return v.Slice(), nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
