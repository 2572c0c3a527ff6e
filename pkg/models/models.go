package models

import (
	"fmt"
	"strings"
	"time"
)

// RepositoryRef identifies one indexable unit.
type RepositoryRef struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

// FullName returns the owner/name form used as the repository key everywhere.
func (r RepositoryRef) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r RepositoryRef) String() string {
	return r.FullName() + "@" + r.Branch
}

// ParseRepositoryRef splits an "owner/name" string.
func ParseRepositoryRef(fullName, branch string) (RepositoryRef, error) {
	fullName = strings.Trim(strings.TrimSpace(fullName), "/")
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepositoryRef{}, fmt.Errorf("invalid repository %q: want owner/name", fullName)
	}
	return RepositoryRef{Owner: owner, Name: name, Branch: strings.TrimSpace(branch)}, nil
}

// RawFile is a fetched source file. Owned by a single ingestion run.
type RawFile struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  []byte `json:"-"`
	Size     int64  `json:"size"`
	BlobSHA  string `json:"blob_sha,omitempty"`
}

type ChunkType string

const (
	ChunkFunction ChunkType = "function"
	ChunkMethod   ChunkType = "method"
	ChunkClass    ChunkType = "class"
	ChunkTypeDecl ChunkType = "type"
	ChunkVariable ChunkType = "variable"
	ChunkModule   ChunkType = "module"
	ChunkDoc      ChunkType = "doc"
	ChunkBlock    ChunkType = "block"
)

// ContextMetadata is the structural context attached to a chunk. The set of
// populated keys depends on the language.
type ContextMetadata struct {
	Enclosing  string   `json:"enclosing,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Receiver   string   `json:"receiver,omitempty"`
	Imports    []string `json:"imports,omitempty"`
	Decorators []string `json:"decorators,omitempty"`
	HasDoc     bool     `json:"has_doc"`
	Doc        string   `json:"doc,omitempty"`
}

type Chunk struct {
	ID          string          `json:"id"`
	Repository  string          `json:"repository"`
	Path        string          `json:"path"`
	Language    string          `json:"language"`
	LineStart   int             `json:"line_start"`
	LineEnd     int             `json:"line_end"`
	ByteStart   int             `json:"byte_start"`
	ByteEnd     int             `json:"byte_end"`
	Type        ChunkType       `json:"chunk_type"`
	Content     string          `json:"content"`
	Text        string          `json:"text"`
	Context     ContextMetadata `json:"context"`
	ContentHash string          `json:"content_hash"`
	Embedding   []float32       `json:"-"`
	CommitSHA   string          `json:"commit_sha"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Embedded reports whether the chunk carries a vector.
func (c Chunk) Embedded() bool { return len(c.Embedding) > 0 }

type CommitStatus string

const (
	StatusIdle    CommitStatus = "idle"
	StatusRunning CommitStatus = "running"
	StatusFailed  CommitStatus = "failed"
)

// CommitRecord is the per-repository tracking document.
type CommitRecord struct {
	Repository        string       `json:"repository"`
	Owner             string       `json:"owner"`
	Branch            string       `json:"branch"`
	LastIndexedCommit string       `json:"last_indexed_commit"`
	LastIndexedAt     time.Time    `json:"last_indexed_at"`
	Status            CommitStatus `json:"status"`
	RunID             string       `json:"run_id,omitempty"`
	RunCommit         string       `json:"run_commit,omitempty"`
	RunStartedAt      time.Time    `json:"run_started_at"`
	Generation        string       `json:"generation,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
}

// Ref rebuilds the repository reference from the record.
func (r CommitRecord) Ref() RepositoryRef {
	ref, err := ParseRepositoryRef(r.Repository, r.Branch)
	if err != nil {
		return RepositoryRef{Name: r.Repository, Branch: r.Branch}
	}
	return ref
}

type RunOutcome string

const (
	OutcomeSuccess RunOutcome = "success"
	OutcomePartial RunOutcome = "partial"
	OutcomeFailed  RunOutcome = "failed"
)

// PipelineRun describes one orchestrator execution. It is reported, never stored.
type PipelineRun struct {
	RunID          string        `json:"run_id"`
	Repository     string        `json:"repository"`
	CommitSHA      string        `json:"commit_sha"`
	FilesFetched   int           `json:"files_fetched"`
	ChunksProduced int           `json:"chunks_produced"`
	ChunksEmbedded int           `json:"chunks_embedded"`
	ChunksReused   int           `json:"chunks_reused"`
	Duration       time.Duration `json:"duration"`
	Outcome        RunOutcome    `json:"outcome"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Coverage returns the embedded fraction in percent.
func (r PipelineRun) Coverage() float64 {
	if r.ChunksProduced == 0 {
		return 100
	}
	return float64(r.ChunksEmbedded) * 100 / float64(r.ChunksProduced)
}

// PendingSync is a push that arrived while nobody could authorize a run.
type PendingSync struct {
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Owner      string    `json:"owner"`
	CommitSHA  string    `json:"commit_sha"`
	Pusher     string    `json:"pusher,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
}

// HistoryEntry is appended for every completed run.
type HistoryEntry struct {
	Repository    string    `json:"repository"`
	CommitSHA     string    `json:"commit_sha"`
	Branch        string    `json:"branch"`
	Generation    string    `json:"generation"`
	ChunkCount    int       `json:"chunk_count"`
	EmbeddedCount int       `json:"embedded_count"`
	IndexedAt     time.Time `json:"indexed_at"`
}

type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
