// Package fetcher retrieves the eligible files of a repository at a commit.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/seanblong/repoindex/pkg/models"
)

var (
	// ErrSourceUnavailable is returned when the hosting API cannot be reached
	// or rejects the credential. Callers may retry; the fetcher never does.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRepositoryEmpty is returned when no eligible files remain after filtering.
	ErrRepositoryEmpty = errors.New("repository has no eligible files")
)

// MaxFileSize is the largest file, in bytes, that is fetched.
const MaxFileSize = 1 << 20

// Source resolves branch heads and fetches file trees.
type Source interface {
	// Resolve returns the head commit of ref.Branch.
	Resolve(ctx context.Context, ref models.RepositoryRef, credential string) (string, error)
	// Fetch returns the eligible files of the repository at commitSHA, sorted by path.
	Fetch(ctx context.Context, ref models.RepositoryRef, commitSHA, credential string) ([]models.RawFile, error)
}

// StatusError is a non-2xx response from the hosting API.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrSourceUnavailable }
