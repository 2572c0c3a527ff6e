package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/seanblong/repoindex/pkg/models"
)

type generationKey struct{ repository, generation string }
type rawKey struct{ repository, commit string }

// MemoryStore keeps everything in process. Used by tests and the CLI.
type MemoryStore struct {
	dim int

	mu      sync.RWMutex
	chunks  map[generationKey]map[string]models.Chunk
	raw     map[rawKey]map[string]models.RawFile
	records map[string]models.CommitRecord
	history map[string][]models.HistoryEntry
	pending []models.PendingSync
}

func NewMemory(dim int) *MemoryStore {
	return &MemoryStore{
		dim:     dim,
		chunks:  map[generationKey]map[string]models.Chunk{},
		raw:     map[rawKey]map[string]models.RawFile{},
		records: map[string]models.CommitRecord{},
		history: map[string][]models.HistoryEntry{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemoryStore) Close()                         {}

func (m *MemoryStore) WriteChunks(ctx context.Context, repository, generation string, chunks []models.Chunk) error {
	if err := checkDims(chunks, m.dim); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := generationKey{repository, generation}
	g := m.chunks[k]
	if g == nil {
		g = map[string]models.Chunk{}
		m.chunks[k] = g
	}
	for _, c := range chunks {
		c.Embedding = slices.Clone(c.Embedding)
		g[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) Chunks(ctx context.Context, repository string, f ChunkFilter) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[repository]
	if !ok || rec.Generation == "" {
		return nil, nil
	}
	var out []models.Chunk
	for _, c := range m.chunks[generationKey{repository, rec.Generation}] {
		if f.Match(c) {
			c.Embedding = slices.Clone(c.Embedding)
			out = append(out, c)
		}
	}
	sortChunks(out)
	return out, nil
}

func sortChunks(cs []models.Chunk) {
	slices.SortFunc(cs, func(a, b models.Chunk) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.LineStart, b.LineStart), cmp.Compare(a.ID, b.ID))
	})
}

func (m *MemoryStore) ChunkStats(ctx context.Context, repository string) (ChunkStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st ChunkStats
	rec, ok := m.records[repository]
	if !ok {
		return st, nil
	}
	for _, c := range m.chunks[generationKey{repository, rec.Generation}] {
		st.Total++
		if c.Embedded() {
			st.Embedded++
		}
	}
	return st, nil
}

func (m *MemoryStore) PruneGenerations(ctx context.Context, repository, keep string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, g := range m.chunks {
		if k.repository == repository && k.generation != keep {
			n += int64(len(g))
			delete(m.chunks, k)
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteGeneration(ctx context.Context, repository, generation string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := generationKey{repository, generation}
	n := int64(len(m.chunks[k]))
	delete(m.chunks, k)
	return n, nil
}

func (m *MemoryStore) WriteRawFiles(ctx context.Context, repository, commit string, files []models.RawFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rawKey{repository, commit}
	set := m.raw[k]
	if set == nil {
		set = map[string]models.RawFile{}
		m.raw[k] = set
	}
	for _, f := range files {
		f.Content = slices.Clone(f.Content)
		set[f.Path] = f
	}
	return nil
}

func (m *MemoryStore) RawFiles(ctx context.Context, repository, commit string) ([]models.RawFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RawFile
	for _, f := range m.raw[rawKey{repository, commit}] {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b models.RawFile) int { return cmp.Compare(a.Path, b.Path) })
	return out, nil
}

func (m *MemoryStore) PruneRawFiles(ctx context.Context, repository, keepCommit string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, set := range m.raw {
		if k.repository == repository && k.commit != keepCommit {
			n += int64(len(set))
			delete(m.raw, k)
		}
	}
	return n, nil
}

func (m *MemoryStore) Connect(ctx context.Context, ref models.RepositoryRef) (models.CommitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref.FullName()]
	if !ok {
		rec = models.CommitRecord{Repository: ref.FullName(), Owner: ref.Owner, Status: models.StatusIdle}
	}
	if ref.Branch != "" {
		rec.Branch = ref.Branch
	}
	m.records[ref.FullName()] = rec
	return rec, nil
}

func (m *MemoryStore) CommitRecord(ctx context.Context, repository string) (models.CommitRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[repository]
	return rec, ok, nil
}

func (m *MemoryStore) CommitRecords(ctx context.Context) ([]models.CommitRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CommitRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b models.CommitRecord) int { return cmp.Compare(a.Repository, b.Repository) })
	return out, nil
}

func (m *MemoryStore) BeginRun(ctx context.Context, p BeginParams) (models.CommitRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := p.Ref.FullName()
	rec, ok := m.records[name]
	if ok && rec.Status == models.StatusRunning && !rec.RunStartedAt.Before(p.ExpiredBefore) {
		return rec, false, nil
	}
	if !ok {
		rec = models.CommitRecord{Repository: name, Owner: p.Ref.Owner}
	}
	if p.Ref.Branch != "" {
		rec.Branch = p.Ref.Branch
	}
	rec.Status = models.StatusRunning
	rec.RunID = p.RunID
	rec.RunCommit = p.Commit
	rec.RunStartedAt = p.StartedAt
	rec.LastError = ""
	m.records[name] = rec
	return rec, true, nil
}

func (m *MemoryStore) CompleteRun(ctx context.Context, p CompleteParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[p.Repository]
	if !ok || rec.Status != models.StatusRunning || rec.RunID != p.RunID {
		return false, nil
	}
	rec.Status = models.StatusIdle
	rec.LastIndexedCommit = p.Commit
	rec.LastIndexedAt = p.At
	rec.Generation = p.Generation
	rec.RunID, rec.RunCommit, rec.LastError = "", "", ""
	m.records[p.Repository] = rec
	return true, nil
}

func (m *MemoryStore) FailRun(ctx context.Context, repository, runID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[repository]
	if !ok || rec.Status != models.StatusRunning || rec.RunID != runID {
		return false, nil
	}
	rec.Status = models.StatusFailed
	rec.LastError = reason
	rec.RunID = ""
	m.records[repository] = rec
	return true, nil
}

func (m *MemoryStore) ReapExpired(ctx context.Context, before time.Time, reason string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, rec := range m.records {
		if rec.Status == models.StatusRunning && rec.RunStartedAt.Before(before) {
			rec.Status = models.StatusFailed
			rec.LastError = reason
			rec.RunID = ""
			m.records[name] = rec
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[e.Repository] = append(m.history[e.Repository], e)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, repository string, limit int) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[repository]
	out := make([]models.HistoryEntry, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, h[i])
	}
	return out, nil
}

func (m *MemoryStore) AddPending(ctx context.Context, p models.PendingSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, p)
	return nil
}

func (m *MemoryStore) PendingSyncs(ctx context.Context, repository string) ([]models.PendingSync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PendingSync
	for _, p := range m.pending {
		if repository == "" || p.Repository == repository {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b models.PendingSync) int { return a.QueuedAt.Compare(b.QueuedAt) })
	return out, nil
}

func (m *MemoryStore) ClearPending(ctx context.Context, repository string, upTo time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.pending[:0]
	var n int64
	for _, p := range m.pending {
		if p.Repository == repository && !p.QueuedAt.After(upTo) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
	return n, nil
}

func (m *MemoryStore) DeleteRepository(ctx context.Context, repository string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.repository == repository {
			delete(m.chunks, k)
		}
	}
	for k := range m.raw {
		if k.repository == repository {
			delete(m.raw, k)
		}
	}
	delete(m.records, repository)
	delete(m.history, repository)
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.Repository != repository {
			kept = append(kept, p)
		}
	}
	m.pending = kept
	return nil
}
