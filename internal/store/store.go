// Package store persists raw files, chunk generations, commit records,
// commit history and pending syncs.
//
// Chunks are written under a generation id and only become visible once the
// repository's commit record points at that generation. Every read goes
// through the pointer in a single statement, so readers see either the whole
// old chunk set or the whole new one.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/seanblong/repoindex/pkg/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUnsupportedURL    = errors.New("unsupported database url")
)

// ChunkFilter narrows a chunk read. Zero values match everything.
type ChunkFilter struct {
	Path         string // exact path
	PathContains string // case-insensitive substring
	Language     string
	EmbeddedOnly bool
}

// Match applies the filter in Go. Backends that filter in SQL must agree.
func (f ChunkFilter) Match(c models.Chunk) bool {
	if f.Path != "" && c.Path != f.Path {
		return false
	}
	if f.PathContains != "" && !strings.Contains(strings.ToLower(c.Path), strings.ToLower(f.PathContains)) {
		return false
	}
	if f.Language != "" && c.Language != f.Language {
		return false
	}
	if f.EmbeddedOnly && !c.Embedded() {
		return false
	}
	return true
}

type ChunkStats struct {
	Total    int `json:"chunk_count"`
	Embedded int `json:"embedded_count"`
}

// BeginParams describe a lease attempt. A running record whose run started
// before ExpiredBefore is taken over.
type BeginParams struct {
	Ref           models.RepositoryRef
	RunID         string
	Commit        string
	StartedAt     time.Time
	ExpiredBefore time.Time
}

// CompleteParams describe a finished run.
type CompleteParams struct {
	Repository string
	RunID      string
	Commit     string
	Generation string
	At         time.Time
}

// ChunkStore holds chunk generations.
type ChunkStore interface {
	// WriteChunks stores chunks under generation. Rewriting the same chunk id
	// within a generation replaces it.
	WriteChunks(ctx context.Context, repository, generation string, chunks []models.Chunk) error
	// Chunks returns the chunks of the generation the commit record points at,
	// ordered by path and line.
	Chunks(ctx context.Context, repository string, f ChunkFilter) ([]models.Chunk, error)
	ChunkStats(ctx context.Context, repository string) (ChunkStats, error)
	// PruneGenerations deletes every generation of repository except keep.
	PruneGenerations(ctx context.Context, repository, keep string) (int64, error)
	DeleteGeneration(ctx context.Context, repository, generation string) (int64, error)
}

// RawFileStore is the raw-file tier, keyed by (repository, path, commit).
type RawFileStore interface {
	WriteRawFiles(ctx context.Context, repository, commit string, files []models.RawFile) error
	RawFiles(ctx context.Context, repository, commit string) ([]models.RawFile, error)
	PruneRawFiles(ctx context.Context, repository, keepCommit string) (int64, error)
}

// CommitStore holds one record per repository. All state changes are
// conditional writes: the bool results report whether the condition held.
type CommitStore interface {
	// Connect creates an idle record or updates the tracked branch.
	Connect(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error)
	CommitRecord(ctx context.Context, repository string) (models.CommitRecord, bool, error)
	CommitRecords(ctx context.Context) ([]models.CommitRecord, error)
	// BeginRun moves the record to running in one upsert. When the lease is
	// held by someone else it returns the current record and false.
	BeginRun(ctx context.Context, p BeginParams) (models.CommitRecord, bool, error)
	// CompleteRun moves running to idle and flips the generation pointer
	// when run id matches.
	CompleteRun(ctx context.Context, p CompleteParams) (bool, error)
	// FailRun moves running to failed when run id matches.
	FailRun(ctx context.Context, repository, runID, reason string) (bool, error)
	// ReapExpired fails every running record started before the cutoff and
	// returns their repositories.
	ReapExpired(ctx context.Context, before time.Time, reason string) ([]string, error)

	AppendHistory(ctx context.Context, e models.HistoryEntry) error
	// History returns the newest entries first.
	History(ctx context.Context, repository string, limit int) ([]models.HistoryEntry, error)
}

// PendingStore queues pushes that arrived while nobody could authorize a run.
type PendingStore interface {
	AddPending(ctx context.Context, p models.PendingSync) error
	// PendingSyncs lists entries oldest first. An empty repository lists all.
	PendingSyncs(ctx context.Context, repository string) ([]models.PendingSync, error)
	// ClearPending deletes the entries of repository queued at or before upTo.
	ClearPending(ctx context.Context, repository string, upTo time.Time) (int64, error)
}

// Store is a complete backend.
type Store interface {
	ChunkStore
	RawFileStore
	CommitStore
	PendingStore

	// DeleteRepository drops every row that belongs to repository.
	DeleteRepository(ctx context.Context, repository string) error
	Ping(ctx context.Context) error
	Close()
}

// Open picks a backend from the URL scheme: postgres://, sqlite://<path> or
// memory://. dim is the vector length every stored embedding must have.
func Open(ctx context.Context, url string, dim int) (Store, error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}
	switch scheme {
	case "postgres", "postgresql":
		s, err := NewPG(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx, dim); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	case "sqlite":
		return NewSQLite(ctx, rest, dim)
	case "memory":
		return NewMemory(dim), nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, scheme)
	}
}

func checkDims(chunks []models.Chunk, dim int) error {
	if dim <= 0 {
		return nil
	}
	for _, c := range chunks {
		if c.Embedded() && len(c.Embedding) != dim {
			return fmt.Errorf("%w: chunk %s has %d, want %d", ErrDimensionMismatch, c.ID, len(c.Embedding), dim)
		}
	}
	return nil
}

// encodeVector stores float32s little-endian.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
