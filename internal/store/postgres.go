package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/repoindex/pkg/models"
)

// PGStore is the Postgres backend. Embeddings live in a pgvector column.
type PGStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPG creates a new PGStore connected to the given database URL.
func NewPG(ctx context.Context, url string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PGStore{pool: p}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies the schema. dim fixes the embedding column width.
func (s *PGStore) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS raw_files (
  repository TEXT NOT NULL,
  commit_sha TEXT NOT NULL,
  path       TEXT NOT NULL,
  language   TEXT NOT NULL DEFAULT '',
  size       BIGINT NOT NULL DEFAULT 0,
  blob_sha   TEXT NOT NULL DEFAULT '',
  content    BYTEA,
  PRIMARY KEY (repository, path, commit_sha)
);

CREATE TABLE IF NOT EXISTS chunks (
  repository   TEXT NOT NULL,
  generation   TEXT NOT NULL,
  id           TEXT NOT NULL,
  path         TEXT NOT NULL,
  language     TEXT NOT NULL DEFAULT '',
  line_start   INT NOT NULL,
  line_end     INT NOT NULL,
  byte_start   INT NOT NULL,
  byte_end     INT NOT NULL,
  chunk_type   TEXT NOT NULL,
  content      TEXT NOT NULL,
  text         TEXT NOT NULL,
  context      JSONB NOT NULL DEFAULT '{}',
  content_hash TEXT NOT NULL,
  embedding    vector(%d),
  commit_sha   TEXT NOT NULL,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (repository, generation, id)
);

CREATE INDEX IF NOT EXISTS chunks_repo_path_idx
  ON chunks (repository, generation, path, line_start);

CREATE TABLE IF NOT EXISTS commit_records (
  repository          TEXT PRIMARY KEY,
  owner               TEXT NOT NULL DEFAULT '',
  branch              TEXT NOT NULL DEFAULT '',
  last_indexed_commit TEXT NOT NULL DEFAULT '',
  last_indexed_at     TIMESTAMP WITH TIME ZONE,
  status              TEXT NOT NULL DEFAULT 'idle',
  run_id              TEXT NOT NULL DEFAULT '',
  run_commit          TEXT NOT NULL DEFAULT '',
  run_started_at      TIMESTAMP WITH TIME ZONE,
  generation          TEXT NOT NULL DEFAULT '',
  last_error          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS commit_history (
  seq            BIGSERIAL PRIMARY KEY,
  repository     TEXT NOT NULL,
  commit_sha     TEXT NOT NULL,
  branch         TEXT NOT NULL DEFAULT '',
  generation     TEXT NOT NULL,
  chunk_count    INT NOT NULL,
  embedded_count INT NOT NULL,
  indexed_at     TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS commit_history_repo_idx
  ON commit_history (repository, seq);

CREATE TABLE IF NOT EXISTS pending_syncs (
  seq        BIGSERIAL PRIMARY KEY,
  repository TEXT NOT NULL,
  branch     TEXT NOT NULL DEFAULT '',
  owner      TEXT NOT NULL DEFAULT '',
  commit_sha TEXT NOT NULL,
  pusher     TEXT NOT NULL DEFAULT '',
  queued_at  TIMESTAMP WITH TIME ZONE NOT NULL
);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim)); err != nil {
		return err
	}
	s.dim = dim
	return nil
}

func (s *PGStore) WriteChunks(ctx context.Context, repository, generation string, chunks []models.Chunk) error {
	if err := checkDims(chunks, s.dim); err != nil {
		return err
	}
	const q = `
		INSERT INTO chunks (
			repository, generation, id, path, language, line_start, line_end, byte_start, byte_end,
			chunk_type, content, text, context, content_hash, embedding, commit_sha, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (repository, generation, id) DO UPDATE SET
			content      = EXCLUDED.content,
			text         = EXCLUDED.text,
			context      = EXCLUDED.context,
			content_hash = EXCLUDED.content_hash,
			embedding    = EXCLUDED.embedding`

	b := &pgx.Batch{}
	for _, c := range chunks {
		meta, err := json.Marshal(c.Context)
		if err != nil {
			return err
		}
		var vec any = (*pgvector.Vector)(nil)
		if c.Embedded() {
			vec = pgvector.NewVector(c.Embedding)
		}
		b.Queue(q,
			repository, generation, c.ID, c.Path, c.Language, c.LineStart, c.LineEnd, c.ByteStart, c.ByteEnd,
			string(c.Type), c.Content, c.Text, meta, c.ContentHash, vec, c.CommitSHA, c.CreatedAt,
		)
	}
	return s.sendBatch(ctx, b)
}

// sendBatch runs b in one transaction.
func (s *PGStore) sendBatch(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Chunks(ctx context.Context, repository string, f ChunkFilter) ([]models.Chunk, error) {
	q := `
SELECT c.id, c.repository, c.path, c.language, c.line_start, c.line_end, c.byte_start, c.byte_end,
  c.chunk_type, c.content, c.text, c.context, c.content_hash, c.embedding::text, c.commit_sha, c.created_at
FROM chunks c
JOIN commit_records r ON r.repository = c.repository AND r.generation = c.generation
WHERE c.repository = $1`
	args := []any{repository}
	ai := 2
	if f.Path != "" {
		q += fmt.Sprintf(" AND c.path = $%d", ai)
		args = append(args, f.Path)
		ai++
	}
	if f.Language != "" {
		q += fmt.Sprintf(" AND c.language = $%d", ai)
		args = append(args, f.Language)
		ai++
	}
	if f.PathContains != "" {
		q += fmt.Sprintf(" AND strpos(lower(c.path), lower($%d)) > 0", ai)
		args = append(args, f.PathContains)
	}
	if f.EmbeddedOnly {
		q += " AND c.embedding IS NOT NULL"
	}
	q += " ORDER BY c.path, c.line_start, c.id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c    models.Chunk
			typ  string
			meta []byte
			vec  *string
		)
		if err := rows.Scan(&c.ID, &c.Repository, &c.Path, &c.Language, &c.LineStart, &c.LineEnd,
			&c.ByteStart, &c.ByteEnd, &typ, &c.Content, &c.Text, &meta, &c.ContentHash, &vec,
			&c.CommitSHA, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Type = models.ChunkType(typ)
		if err := json.Unmarshal(meta, &c.Context); err != nil {
			return nil, fmt.Errorf("chunk %s context: %w", c.ID, err)
		}
		if vec != nil {
			var v pgvector.Vector
			if err := v.Scan(*vec); err != nil {
				return nil, fmt.Errorf("chunk %s embedding: %w", c.ID, err)
			}
			c.Embedding = v.Slice()
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) ChunkStats(ctx context.Context, repository string) (ChunkStats, error) {
	var st ChunkStats
	err := s.pool.QueryRow(ctx, `
SELECT count(*), count(c.embedding)
FROM chunks c
JOIN commit_records r ON r.repository = c.repository AND r.generation = c.generation
WHERE c.repository = $1`, repository).Scan(&st.Total, &st.Embedded)
	return st, err
}

func (s *PGStore) PruneGenerations(ctx context.Context, repository, keep string) (int64, error) {
	return s.exec(ctx, `DELETE FROM chunks WHERE repository = $1 AND generation <> $2`, repository, keep)
}

func (s *PGStore) DeleteGeneration(ctx context.Context, repository, generation string) (int64, error) {
	return s.exec(ctx, `DELETE FROM chunks WHERE repository = $1 AND generation = $2`, repository, generation)
}

func (s *PGStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) WriteRawFiles(ctx context.Context, repository, commit string, files []models.RawFile) error {
	const q = `
		INSERT INTO raw_files (repository, commit_sha, path, language, size, blob_sha, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (repository, path, commit_sha) DO UPDATE SET
			language = EXCLUDED.language,
			size     = EXCLUDED.size,
			blob_sha = EXCLUDED.blob_sha,
			content  = EXCLUDED.content`
	b := &pgx.Batch{}
	for _, f := range files {
		b.Queue(q, repository, commit, f.Path, f.Language, f.Size, f.BlobSHA, f.Content)
	}
	return s.sendBatch(ctx, b)
}

func (s *PGStore) RawFiles(ctx context.Context, repository, commit string) ([]models.RawFile, error) {
	rows, err := s.pool.Query(ctx, `
SELECT path, language, size, blob_sha, content FROM raw_files
WHERE repository = $1 AND commit_sha = $2 ORDER BY path`, repository, commit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RawFile
	for rows.Next() {
		var f models.RawFile
		if err := rows.Scan(&f.Path, &f.Language, &f.Size, &f.BlobSHA, &f.Content); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PGStore) PruneRawFiles(ctx context.Context, repository, keepCommit string) (int64, error) {
	return s.exec(ctx, `DELETE FROM raw_files WHERE repository = $1 AND commit_sha <> $2`, repository, keepCommit)
}

const pgRecordColumns = `repository, owner, branch, last_indexed_commit, last_indexed_at, status,
  run_id, run_commit, run_started_at, generation, last_error`

func scanPGRecord(row pgx.Row) (models.CommitRecord, error) {
	var (
		r                models.CommitRecord
		status           string
		indexed, started *time.Time
	)
	if err := row.Scan(&r.Repository, &r.Owner, &r.Branch, &r.LastIndexedCommit, &indexed, &status,
		&r.RunID, &r.RunCommit, &started, &r.Generation, &r.LastError); err != nil {
		return models.CommitRecord{}, err
	}
	r.Status = models.CommitStatus(status)
	if indexed != nil {
		r.LastIndexedAt = indexed.UTC()
	}
	if started != nil {
		r.RunStartedAt = started.UTC()
	}
	return r, nil
}

func (s *PGStore) Connect(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error) {
	return scanPGRecord(s.pool.QueryRow(ctx, `
INSERT INTO commit_records (repository, owner, branch) VALUES ($1,$2,$3)
ON CONFLICT (repository) DO UPDATE SET
  branch = CASE WHEN EXCLUDED.branch <> '' THEN EXCLUDED.branch ELSE commit_records.branch END
RETURNING `+pgRecordColumns, ref.FullName(), ref.Owner, ref.Branch))
}

// CommitRecord retrieves the record of repository.
func (s *PGStore) CommitRecord(ctx context.Context, repository string) (models.CommitRecord, bool, error) {
	r, err := scanPGRecord(s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM commit_records WHERE repository = $1`, repository))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CommitRecord{}, false, nil
		}
		return models.CommitRecord{}, false, err
	}
	return r, true, nil
}

// CommitRecords returns every connected repository.
func (s *PGStore) CommitRecords(ctx context.Context) ([]models.CommitRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgRecordColumns+` FROM commit_records ORDER BY repository`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CommitRecord
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) BeginRun(ctx context.Context, p BeginParams) (models.CommitRecord, bool, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx, `
INSERT INTO commit_records (repository, owner, branch, status, run_id, run_commit, run_started_at)
VALUES ($1,$2,$3,'running',$4,$5,$6)
ON CONFLICT (repository) DO UPDATE SET
  status         = 'running',
  run_id         = EXCLUDED.run_id,
  run_commit     = EXCLUDED.run_commit,
  run_started_at = EXCLUDED.run_started_at,
  branch         = CASE WHEN EXCLUDED.branch <> '' THEN EXCLUDED.branch ELSE commit_records.branch END,
  last_error     = ''
WHERE commit_records.status <> 'running' OR commit_records.run_started_at < $7
RETURNING `+pgRecordColumns,
		p.Ref.FullName(), p.Ref.Owner, p.Ref.Branch, p.RunID, p.Commit, p.StartedAt, p.ExpiredBefore))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.CommitRecord{}, false, err
	}
	cur, _, err := s.CommitRecord(ctx, p.Ref.FullName())
	return cur, false, err
}

func (s *PGStore) CompleteRun(ctx context.Context, p CompleteParams) (bool, error) {
	n, err := s.exec(ctx, `
UPDATE commit_records SET
  status = 'idle', last_indexed_commit = $1, last_indexed_at = $2, generation = $3,
  run_id = '', run_commit = '', last_error = ''
WHERE repository = $4 AND run_id = $5 AND status = 'running'`,
		p.Commit, p.At, p.Generation, p.Repository, p.RunID)
	return n == 1, err
}

func (s *PGStore) FailRun(ctx context.Context, repository, runID, reason string) (bool, error) {
	n, err := s.exec(ctx, `
UPDATE commit_records SET status = 'failed', last_error = $1, run_id = ''
WHERE repository = $2 AND run_id = $3 AND status = 'running'`, reason, repository, runID)
	return n == 1, err
}

func (s *PGStore) ReapExpired(ctx context.Context, before time.Time, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE commit_records SET status = 'failed', last_error = $1, run_id = ''
WHERE status = 'running' AND run_started_at < $2
RETURNING repository`, reason, before)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PGStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO commit_history (repository, commit_sha, branch, generation, chunk_count, embedded_count, indexed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.Repository, e.CommitSHA, e.Branch, e.Generation, e.ChunkCount, e.EmbeddedCount, e.IndexedAt)
	return err
}

func (s *PGStore) History(ctx context.Context, repository string, limit int) ([]models.HistoryEntry, error) {
	q := `
SELECT repository, commit_sha, branch, generation, chunk_count, embedded_count, indexed_at
FROM commit_history WHERE repository = $1 ORDER BY seq DESC`
	args := []any{repository}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.Repository, &e.CommitSHA, &e.Branch, &e.Generation, &e.ChunkCount, &e.EmbeddedCount, &e.IndexedAt); err != nil {
			return nil, err
		}
		e.IndexedAt = e.IndexedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) AddPending(ctx context.Context, p models.PendingSync) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pending_syncs (repository, branch, owner, commit_sha, pusher, queued_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		p.Repository, p.Branch, p.Owner, p.CommitSHA, p.Pusher, p.QueuedAt)
	return err
}

func (s *PGStore) PendingSyncs(ctx context.Context, repository string) ([]models.PendingSync, error) {
	q := `SELECT repository, branch, owner, commit_sha, pusher, queued_at FROM pending_syncs`
	var args []any
	if repository != "" {
		q += " WHERE repository = $1"
		args = append(args, repository)
	}
	q += " ORDER BY queued_at, seq"
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PendingSync
	for rows.Next() {
		var p models.PendingSync
		if err := rows.Scan(&p.Repository, &p.Branch, &p.Owner, &p.CommitSHA, &p.Pusher, &p.QueuedAt); err != nil {
			return nil, err
		}
		p.QueuedAt = p.QueuedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) ClearPending(ctx context.Context, repository string, upTo time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM pending_syncs WHERE repository = $1 AND queued_at <= $2`, repository, upTo)
}

func (s *PGStore) DeleteRepository(ctx context.Context, repository string) error {
	b := &pgx.Batch{}
	for _, table := range []string{"chunks", "raw_files", "commit_records", "commit_history", "pending_syncs"} {
		b.Queue("DELETE FROM "+table+" WHERE repository = $1", repository)
	}
	return s.sendBatch(ctx, b)
}
