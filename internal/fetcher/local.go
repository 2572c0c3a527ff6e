package fetcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoindex/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// LocalSource serves a checked-out working tree. Its commit is a digest of
// the eligible files, so an unchanged tree resolves to the same value.
type LocalSource struct {
	Root       string
	Walker     FileSystemWalker
	FileReader FileReader
}

// NewLocalSource creates a source rooted at root.
func NewLocalSource(root string) *LocalSource {
	return &LocalSource{
		Root:       root,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

func (l *LocalSource) Resolve(ctx context.Context, ref models.RepositoryRef, _ string) (string, error) {
	files, err := l.collect(ctx)
	if err != nil {
		return "", err
	}
	return treeDigest(files), nil
}

func (l *LocalSource) Fetch(ctx context.Context, ref models.RepositoryRef, commitSHA, _ string) ([]models.RawFile, error) {
	files, err := l.collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrRepositoryEmpty
	}
	if d := treeDigest(files); d != commitSHA {
		log.Warn().Str("repo", ref.FullName()).Str("expected", commitSHA).Str("actual", d).
			Msg("working tree changed since resolve")
	}
	return files, nil
}

func (l *LocalSource) collect(ctx context.Context) ([]models.RawFile, error) {
	var files []models.RawFile
	err := l.Walker.Walk(l.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de != nil && de.IsDir() {
				if path != l.Root && SkipDir(de.Name()) {
					return godirwalk.SkipThis
				}
				return nil
			}
			relPath := rel(l.Root, path)
			if ShouldSkip(relPath) {
				return nil
			}

			b, err := l.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if !acceptContent(b) {
				return nil
			}
			files = append(files, models.RawFile{
				Path:     relPath,
				Language: GuessLang(relPath),
				Content:  b,
				Size:     int64(len(b)),
				BlobSHA:  blobSHA(b),
			})
			return nil
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: walk %s: %v", ErrSourceUnavailable, l.Root, err)
	}
	slices.SortFunc(files, func(a, b models.RawFile) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

// blobSHA hashes content the way git hashes blob objects.
func blobSHA(b []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(b))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// treeDigest expects files sorted by path.
func treeDigest(files []models.RawFile) string {
	h := sha1.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\n", f.Path, f.BlobSHA)
	}
	return hex.EncodeToString(h.Sum(nil))
}
