package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seanblong/repoindex/pkg/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS raw_files (
  repository TEXT NOT NULL,
  commit_sha TEXT NOT NULL,
  path       TEXT NOT NULL,
  language   TEXT NOT NULL DEFAULT '',
  size       INTEGER NOT NULL DEFAULT 0,
  blob_sha   TEXT NOT NULL DEFAULT '',
  content    BLOB,
  PRIMARY KEY (repository, path, commit_sha)
);

CREATE TABLE IF NOT EXISTS chunks (
  repository   TEXT NOT NULL,
  generation   TEXT NOT NULL,
  id           TEXT NOT NULL,
  path         TEXT NOT NULL,
  language     TEXT NOT NULL DEFAULT '',
  line_start   INTEGER NOT NULL,
  line_end     INTEGER NOT NULL,
  byte_start   INTEGER NOT NULL,
  byte_end     INTEGER NOT NULL,
  chunk_type   TEXT NOT NULL,
  content      TEXT NOT NULL,
  text         TEXT NOT NULL,
  context      TEXT NOT NULL DEFAULT '{}',
  content_hash TEXT NOT NULL,
  embedding    BLOB,
  commit_sha   TEXT NOT NULL,
  created_at   INTEGER NOT NULL,
  PRIMARY KEY (repository, generation, id)
);

CREATE INDEX IF NOT EXISTS chunks_repo_path_idx ON chunks (repository, generation, path, line_start);

CREATE TABLE IF NOT EXISTS commit_records (
  repository          TEXT PRIMARY KEY,
  owner               TEXT NOT NULL DEFAULT '',
  branch              TEXT NOT NULL DEFAULT '',
  last_indexed_commit TEXT NOT NULL DEFAULT '',
  last_indexed_at     INTEGER NOT NULL DEFAULT 0,
  status              TEXT NOT NULL DEFAULT 'idle',
  run_id              TEXT NOT NULL DEFAULT '',
  run_commit          TEXT NOT NULL DEFAULT '',
  run_started_at      INTEGER NOT NULL DEFAULT 0,
  generation          TEXT NOT NULL DEFAULT '',
  last_error          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS commit_history (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  repository     TEXT NOT NULL,
  commit_sha     TEXT NOT NULL,
  branch         TEXT NOT NULL DEFAULT '',
  generation     TEXT NOT NULL,
  chunk_count    INTEGER NOT NULL,
  embedded_count INTEGER NOT NULL,
  indexed_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS commit_history_repo_idx ON commit_history (repository, seq);

CREATE TABLE IF NOT EXISTS pending_syncs (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  repository TEXT NOT NULL,
  branch     TEXT NOT NULL DEFAULT '',
  owner      TEXT NOT NULL DEFAULT '',
  commit_sha TEXT NOT NULL,
  pusher     TEXT NOT NULL DEFAULT '',
  queued_at  INTEGER NOT NULL
);
`

// SQLiteStore is a single-file backend. Vectors are little-endian float32 BLOBs.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// openSQLite opens path with a single connection in WAL mode.
var openSQLite = func(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps the conditional upserts serialised
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func NewSQLite(ctx context.Context, path string, dim int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", ErrUnsupportedURL)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, dim: dim}, nil
}

func (s *SQLiteStore) Close()                         { _ = s.db.Close() }
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// vectorArg binds a missing vector as NULL.
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return encodeVector(v)
}

func (s *SQLiteStore) WriteChunks(ctx context.Context, repository, generation string, chunks []models.Chunk) error {
	if err := checkDims(chunks, s.dim); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (repository, generation, id, path, language, line_start, line_end, byte_start, byte_end,
  chunk_type, content, text, context, content_hash, embedding, commit_sha, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (repository, generation, id) DO UPDATE SET
  content = excluded.content, text = excluded.text, context = excluded.context,
  content_hash = excluded.content_hash, embedding = excluded.embedding`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Context)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			repository, generation, c.ID, c.Path, c.Language, c.LineStart, c.LineEnd, c.ByteStart, c.ByteEnd,
			string(c.Type), c.Content, c.Text, string(meta), c.ContentHash, vectorArg(c.Embedding),
			c.CommitSHA, toUnix(c.CreatedAt),
		); err != nil {
			return fmt.Errorf("write chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Chunks(ctx context.Context, repository string, f ChunkFilter) ([]models.Chunk, error) {
	q := `
SELECT c.id, c.repository, c.path, c.language, c.line_start, c.line_end, c.byte_start, c.byte_end,
  c.chunk_type, c.content, c.text, c.context, c.content_hash, c.embedding, c.commit_sha, c.created_at
FROM chunks c
JOIN commit_records r ON r.repository = c.repository AND r.generation = c.generation
WHERE c.repository = ?`
	args := []any{repository}
	if f.Path != "" {
		q += " AND c.path = ?"
		args = append(args, f.Path)
	}
	if f.Language != "" {
		q += " AND c.language = ?"
		args = append(args, f.Language)
	}
	if f.PathContains != "" {
		q += " AND instr(lower(c.path), lower(?)) > 0"
		args = append(args, f.PathContains)
	}
	if f.EmbeddedOnly {
		q += " AND c.embedding IS NOT NULL"
	}
	q += " ORDER BY c.path, c.line_start, c.id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Chunk
	for rows.Next() {
		var (
			c       models.Chunk
			typ     string
			meta    string
			vec     []byte
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Repository, &c.Path, &c.Language, &c.LineStart, &c.LineEnd,
			&c.ByteStart, &c.ByteEnd, &typ, &c.Content, &c.Text, &meta, &c.ContentHash, &vec,
			&c.CommitSHA, &created); err != nil {
			return nil, err
		}
		c.Type = models.ChunkType(typ)
		if err := json.Unmarshal([]byte(meta), &c.Context); err != nil {
			return nil, fmt.Errorf("chunk %s context: %w", c.ID, err)
		}
		c.Embedding = decodeVector(vec)
		c.CreatedAt = fromUnix(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ChunkStats(ctx context.Context, repository string) (ChunkStats, error) {
	var st ChunkStats
	err := s.db.QueryRowContext(ctx, `
SELECT count(*), count(c.embedding)
FROM chunks c
JOIN commit_records r ON r.repository = c.repository AND r.generation = c.generation
WHERE c.repository = ?`, repository).Scan(&st.Total, &st.Embedded)
	return st, err
}

func (s *SQLiteStore) PruneGenerations(ctx context.Context, repository, keep string) (int64, error) {
	return s.exec(ctx, `DELETE FROM chunks WHERE repository = ? AND generation <> ?`, repository, keep)
}

func (s *SQLiteStore) DeleteGeneration(ctx context.Context, repository, generation string) (int64, error) {
	return s.exec(ctx, `DELETE FROM chunks WHERE repository = ? AND generation = ?`, repository, generation)
}

func (s *SQLiteStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) WriteRawFiles(ctx context.Context, repository, commit string, files []models.RawFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO raw_files (repository, commit_sha, path, language, size, blob_sha, content)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (repository, path, commit_sha) DO UPDATE SET
  language = excluded.language, size = excluded.size, blob_sha = excluded.blob_sha, content = excluded.content`,
			repository, commit, f.Path, f.Language, f.Size, f.BlobSHA, f.Content); err != nil {
			return fmt.Errorf("write raw file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RawFiles(ctx context.Context, repository, commit string) ([]models.RawFile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT path, language, size, blob_sha, content FROM raw_files
WHERE repository = ? AND commit_sha = ? ORDER BY path`, repository, commit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (s *SQLiteStore) PruneRawFiles(ctx context.Context, repository, keepCommit string) (int64, error) {
	return s.exec(ctx, `DELETE FROM raw_files WHERE repository = ? AND commit_sha <> ?`, repository, keepCommit)
}

const sqliteRecordColumns = `repository, owner, branch, last_indexed_commit, last_indexed_at, status,
  run_id, run_commit, run_started_at, generation, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (models.CommitRecord, error) {
	var (
		r                models.CommitRecord
		status           string
		indexed, started int64
	)
	err := row.Scan(&r.Repository, &r.Owner, &r.Branch, &r.LastIndexedCommit, &indexed, &status,
		&r.RunID, &r.RunCommit, &started, &r.Generation, &r.LastError)
	r.Status = models.CommitStatus(status)
	r.LastIndexedAt = fromUnix(indexed)
	r.RunStartedAt = fromUnix(started)
	return r, err
}

func (s *SQLiteStore) Connect(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO commit_records (repository, owner, branch) VALUES (?,?,?)
ON CONFLICT (repository) DO UPDATE SET
  branch = CASE WHEN excluded.branch <> '' THEN excluded.branch ELSE commit_records.branch END
RETURNING `+sqliteRecordColumns, ref.FullName(), ref.Owner, ref.Branch)
	return scanSQLiteRecord(row)
}

func (s *SQLiteStore) CommitRecord(ctx context.Context, repository string) (models.CommitRecord, bool, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM commit_records WHERE repository = ?`, repository))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CommitRecord{}, false, nil
		}
		return models.CommitRecord{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) CommitRecords(ctx context.Context) ([]models.CommitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRecordColumns+` FROM commit_records ORDER BY repository`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.CommitRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BeginRun(ctx context.Context, p BeginParams) (models.CommitRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO commit_records (repository, owner, branch, status, run_id, run_commit, run_started_at)
VALUES (?,?,?,'running',?,?,?)
ON CONFLICT (repository) DO UPDATE SET
  status = 'running',
  run_id = excluded.run_id,
  run_commit = excluded.run_commit,
  run_started_at = excluded.run_started_at,
  branch = CASE WHEN excluded.branch <> '' THEN excluded.branch ELSE commit_records.branch END,
  last_error = ''
WHERE commit_records.status <> 'running' OR commit_records.run_started_at < ?
RETURNING `+sqliteRecordColumns,
		p.Ref.FullName(), p.Ref.Owner, p.Ref.Branch, p.RunID, p.Commit, toUnix(p.StartedAt), toUnix(p.ExpiredBefore))
	rec, err := scanSQLiteRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.CommitRecord{}, false, err
	}
	cur, _, err := s.CommitRecord(ctx, p.Ref.FullName())
	return cur, false, err
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, p CompleteParams) (bool, error) {
	n, err := s.exec(ctx, `
UPDATE commit_records SET
  status = 'idle', last_indexed_commit = ?, last_indexed_at = ?, generation = ?,
  run_id = '', run_commit = '', last_error = ''
WHERE repository = ? AND run_id = ? AND status = 'running'`,
		p.Commit, toUnix(p.At), p.Generation, p.Repository, p.RunID)
	return n == 1, err
}

func (s *SQLiteStore) FailRun(ctx context.Context, repository, runID, reason string) (bool, error) {
	n, err := s.exec(ctx, `
UPDATE commit_records SET status = 'failed', last_error = ?, run_id = ''
WHERE repository = ? AND run_id = ? AND status = 'running'`, reason, repository, runID)
	return n == 1, err
}

func (s *SQLiteStore) ReapExpired(ctx context.Context, before time.Time, reason string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE commit_records SET status = 'failed', last_error = ?, run_id = ''
WHERE status = 'running' AND run_started_at < ?
RETURNING repository`, reason, toUnix(before))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO commit_history (repository, commit_sha, branch, generation, chunk_count, embedded_count, indexed_at)
VALUES (?,?,?,?,?,?,?)`,
		e.Repository, e.CommitSHA, e.Branch, e.Generation, e.ChunkCount, e.EmbeddedCount, toUnix(e.IndexedAt))
	return err
}

func (s *SQLiteStore) History(ctx context.Context, repository string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT repository, commit_sha, branch, generation, chunk_count, embedded_count, indexed_at
FROM commit_history WHERE repository = ? ORDER BY seq DESC LIMIT ?`, repository, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e  models.HistoryEntry
			at int64
		)
		if err := rows.Scan(&e.Repository, &e.CommitSHA, &e.Branch, &e.Generation, &e.ChunkCount, &e.EmbeddedCount, &at); err != nil {
			return nil, err
		}
		e.IndexedAt = fromUnix(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddPending(ctx context.Context, p models.PendingSync) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_syncs (repository, branch, owner, commit_sha, pusher, queued_at) VALUES (?,?,?,?,?,?)`,
		p.Repository, p.Branch, p.Owner, p.CommitSHA, p.Pusher, toUnix(p.QueuedAt))
	return err
}

func (s *SQLiteStore) PendingSyncs(ctx context.Context, repository string) ([]models.PendingSync, error) {
	q := `SELECT repository, branch, owner, commit_sha, pusher, queued_at FROM pending_syncs`
	var args []any
	if repository != "" {
		q += " WHERE repository = ?"
		args = append(args, repository)
	}
	q += " ORDER BY queued_at, seq"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.PendingSync
	for rows.Next() {
		var (
			p  models.PendingSync
			at int64
		)
		if err := rows.Scan(&p.Repository, &p.Branch, &p.Owner, &p.CommitSHA, &p.Pusher, &at); err != nil {
			return nil, err
		}
		p.QueuedAt = fromUnix(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearPending(ctx context.Context, repository string, upTo time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM pending_syncs WHERE repository = ? AND queued_at <= ?`, repository, toUnix(upTo))
}

func (s *SQLiteStore) DeleteRepository(ctx context.Context, repository string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"chunks", "raw_files", "commit_records", "commit_history", "pending_syncs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE repository = ?", repository); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}
