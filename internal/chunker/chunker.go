// Package chunker splits source files into overlapping, structurally bounded
// chunks and prefixes each with the context a reader needs to place it.
//
// Boundaries are chosen from a per-language outline: top-level declaration
// starts first, then nested declaration and statement starts, then a hard
// split at the line budget. Files without a grammar, or whose grammar fails,
// are cut into fixed windows under the same overlap rule.
package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/pkg/models"
)

const (
	DefaultMaxLines = 150
	DefaultOverlap  = 10
)

// ErrInvalidOptions is returned by New when the line budget cannot hold the overlap.
var ErrInvalidOptions = errors.New("invalid chunker options")

// Options bound chunk size. Adjacent chunks share exactly Overlap lines.
type Options struct {
	MaxLines int
	Overlap  int
}

type Chunker struct {
	opts Options
	now  func() time.Time
}

// New validates opts. MaxLines must be at least 2*Overlap+1 so every
// non-final chunk contributes at least one line of its own.
func New(opts Options) (*Chunker, error) {
	if opts.MaxLines == 0 && opts.Overlap == 0 {
		opts = Options{MaxLines: DefaultMaxLines, Overlap: DefaultOverlap}
	}
	if opts.Overlap < 0 || opts.MaxLines < 2*opts.Overlap+1 {
		return nil, fmt.Errorf("%w: max lines %d, overlap %d", ErrInvalidOptions, opts.MaxLines, opts.Overlap)
	}
	return &Chunker{opts: opts, now: time.Now}, nil
}

func (c *Chunker) Options() Options { return c.opts }

// ChunkID derives a stable identifier from the chunk's byte range.
func ChunkID(repository, path string, byteStart, byteEnd int) string {
	h := sha1.Sum([]byte(repository + "#" + path + "#" + strconv.Itoa(byteStart) + ":" + strconv.Itoa(byteEnd)))
	return hex.EncodeToString(h[:])
}

func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// Chunks returns the chunks of file in line order. Nothing is parsed until
// the sequence is ranged over.
func (c *Chunker) Chunks(repository, commit string, file models.RawFile) iter.Seq[models.Chunk] {
	return func(yield func(models.Chunk) bool) {
		src := file.Content
		lines := newLineIndex(src)
		n := lines.count()
		if n == 0 {
			return
		}

		o := outlineFor(file.Language, src, n)
		var tiers [][]bool
		if o != nil {
			tiers = o.tiers(n)
		} else {
			log.Debug().Str("path", file.Path).Str("language", file.Language).Msg("chunking with fixed windows")
		}

		created := c.now().UTC()
		for i, core := range partition(n, c.opts.MaxLines, c.opts.Overlap, tiers...) {
			start := core.start
			if i > 0 {
				start = max(1, core.start-c.opts.Overlap)
			}
			bs, be := lines.byteRange(start, core.end)
			content := string(src[bs:be])

			ch := models.Chunk{
				ID:         ChunkID(repository, file.Path, bs, be),
				Repository: repository,
				Path:       file.Path,
				Language:   file.Language,
				LineStart:  start,
				LineEnd:    core.end,
				ByteStart:  bs,
				ByteEnd:    be,
				Content:    content,
				CommitSHA:  commit,
				CreatedAt:  created,
			}
			ch.Type, ch.Context = describe(o, file.Language, core)
			ch.Text = header(ch) + content
			ch.ContentHash = hashContent(ch.Text)

			if !yield(ch) {
				return
			}
		}
	}
}

// Collect drains Chunks for every file.
func (c *Chunker) Collect(repository, commit string, files []models.RawFile) []models.Chunk {
	var out []models.Chunk
	for _, f := range files {
		for ch := range c.Chunks(repository, commit, f) {
			out = append(out, ch)
		}
	}
	return out
}

// lineIndex holds the byte offset of every line start.
type lineIndex struct {
	starts []int
	size   int
}

func newLineIndex(src []byte) lineIndex {
	idx := lineIndex{size: len(src)}
	if len(src) == 0 {
		return idx
	}
	idx.starts = append(idx.starts, 0)
	for i, b := range src {
		if b == '\n' && i+1 < len(src) {
			idx.starts = append(idx.starts, i+1)
		}
	}
	return idx
}

func (l lineIndex) count() int { return len(l.starts) }

// byteRange returns the half-open byte range covering lines a..b inclusive.
func (l lineIndex) byteRange(a, b int) (int, int) {
	end := l.size
	if b < len(l.starts) {
		end = l.starts[b]
	}
	return l.starts[a-1], end
}
