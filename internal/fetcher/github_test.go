package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/seanblong/repoindex/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGitHub struct {
	blobs      map[string]string // sha -> content
	tree       []map[string]any
	status     int
	blobHits   atomic.Int32
	authHeader atomic.Value
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.authHeader.Store(r.Header.Get("Authorization"))
			assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
			assert.Equal(t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))
			if f.status != 0 {
				http.Error(w, `{"message":"Bad credentials"}`, f.status)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("GET /repos/acme/widgets", guard(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"default_branch": "trunk"})
	}))
	mux.HandleFunc("GET /repos/acme/widgets/branches/{branch}", guard(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"name": r.PathValue("branch"), "commit": map[string]any{"sha": "head-" + r.PathValue("branch")}})
	}))
	mux.HandleFunc("GET /repos/acme/widgets/git/trees/{sha}", guard(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		writeJSON(w, map[string]any{"sha": r.PathValue("sha"), "tree": f.tree, "truncated": false})
	}))
	mux.HandleFunc("GET /repos/acme/widgets/git/blobs/{sha}", guard(func(w http.ResponseWriter, r *http.Request) {
		f.blobHits.Add(1)
		content, ok := f.blobs[r.PathValue("sha")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		// GitHub wraps base64 content at 60 columns
		enc := base64.StdEncoding.EncodeToString([]byte(content))
		var wrapped strings.Builder
		for len(enc) > 60 {
			wrapped.WriteString(enc[:60] + "\n")
			enc = enc[60:]
		}
		wrapped.WriteString(enc)
		writeJSON(w, map[string]any{"content": wrapped.String(), "encoding": "base64", "size": len(content)})
	}))
	return mux
}

func newFakeGitHub(t *testing.T, f *fakeGitHub) *GitHubSource {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewGitHubSource(srv.URL, 2)
}

var widgets = models.RepositoryRef{Owner: "acme", Name: "widgets", Branch: "main"}

func TestGitHubSource_Resolve(t *testing.T) {
	f := &fakeGitHub{}
	src := newFakeGitHub(t, f)

	sha, err := src.Resolve(context.Background(), widgets, "tok")
	require.NoError(t, err)
	assert.Equal(t, "head-main", sha)
	assert.Equal(t, "Bearer tok", f.authHeader.Load())

	noBranch := widgets
	noBranch.Branch = ""
	sha, err = src.Resolve(context.Background(), noBranch, "")
	require.NoError(t, err)
	assert.Equal(t, "head-trunk", sha)
	assert.Equal(t, "", f.authHeader.Load())
}

func TestGitHubSource_Fetch(t *testing.T) {
	longGo := "package big\n\n" + strings.Repeat("// filler line for base64 wrapping\n", 20)
	f := &fakeGitHub{
		blobs: map[string]string{
			"b1": "package main\n\nfunc main() {}\n",
			"b2": longGo,
			"b3": "def f():\n    return 1\n",
			"b4": "bin\x00ary",
			"b5": "",
		},
		tree: []map[string]any{
			{"path": "main.go", "type": "blob", "sha": "b1", "size": 30},
			{"path": "pkg/big/big.go", "type": "blob", "sha": "b2", "size": len(longGo)},
			{"path": "pkg", "type": "tree", "sha": "t1"},
			{"path": "tools/gen.py", "type": "blob", "sha": "b3", "size": 20},
			{"path": "data/blob.c", "type": "blob", "sha": "b4", "size": 8},
			{"path": "empty.go", "type": "blob", "sha": "b5", "size": 0},
			{"path": "vendor/x/x.go", "type": "blob", "sha": "vx", "size": 10},
			{"path": "assets/logo.png", "type": "blob", "sha": "px", "size": 10},
			{"path": "huge.go", "type": "blob", "sha": "hx", "size": MaxFileSize + 1},
			{"path": "gone.go", "type": "blob", "sha": "missing", "size": 10},
		},
	}
	src := newFakeGitHub(t, f)

	files, err := src.Fetch(context.Background(), widgets, "abc123", "tok")
	require.NoError(t, err)

	var paths []string
	for _, file := range files {
		paths = append(paths, file.Path)
	}
	assert.Equal(t, []string{"main.go", "pkg/big/big.go", "tools/gen.py"}, paths)
	assert.Equal(t, longGo, string(files[1].Content))
	assert.Equal(t, "go", files[1].Language)
	assert.Equal(t, "b2", files[1].BlobSHA)
	assert.Equal(t, "python", files[2].Language)
	// vendor, png and oversized entries are never requested
	assert.Equal(t, int32(6), f.blobHits.Load())
}

func TestGitHubSource_FetchEmpty(t *testing.T) {
	f := &fakeGitHub{
		tree: []map[string]any{
			{"path": "logo.png", "type": "blob", "sha": "p", "size": 10},
		},
	}
	src := newFakeGitHub(t, f)

	_, err := src.Fetch(context.Background(), widgets, "abc123", "")
	assert.ErrorIs(t, err, ErrRepositoryEmpty)
}

func TestGitHubSource_Unavailable(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			src := newFakeGitHub(t, &fakeGitHub{status: code})

			_, err := src.Resolve(context.Background(), widgets, "bad")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSourceUnavailable)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, code, se.Code)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		src := NewGitHubSource(srv.URL, 1)

		_, err := src.Fetch(context.Background(), widgets, "abc", "")
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})
}

func TestGitHubSource_Cancelled(t *testing.T) {
	src := newFakeGitHub(t, &fakeGitHub{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Resolve(ctx, widgets, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGitHubSource_Defaults(t *testing.T) {
	src := NewGitHubSource("", 0)
	assert.Equal(t, DefaultGitHubAPIURL, src.BaseURL)
	assert.Equal(t, 8, src.Concurrency)

	src = NewGitHubSource("https://ghe.example.com/api/v3/", 3)
	assert.Equal(t, "https://ghe.example.com/api/v3", src.BaseURL)
}
