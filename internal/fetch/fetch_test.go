package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"genctl/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// brokenBody yields n bytes and then fails.
type brokenBody struct {
	remaining int
}

func (b *brokenBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	n := len(p)
	if n > b.remaining {
		n = b.remaining
	}
	for i := 0; i < n; i++ {
		p[i] = 'x'
	}
	b.remaining -= n
	return n, nil
}

func (b *brokenBody) Close() error { return nil }

func weightServer(t *testing.T, hits *atomic.Int32, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasSuffix(r.URL.Path, "/missing.safetensors") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAcquire_DownloadThenAlreadyExists(t *testing.T) {
	var hits atomic.Int32
	srv := weightServer(t, &hits, "weights-bytes")
	dir := filepath.Join(t.TempDir(), "loras")
	rec := metrics.New()
	f := New(Options{Metrics: rec})

	u := srv.URL + "/models/my_lora.safetensors"
	first := f.Acquire(context.Background(), u, dir)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, "my_lora.safetensors", first.Filename)
	assert.Equal(t, MessageDownloaded, first.Message)
	assert.Equal(t, filepath.Join(dir, "my_lora.safetensors"), first.Path)
	assert.EqualValues(t, len("weights-bytes"), first.Bytes)

	b, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, "weights-bytes", string(b))

	second := f.Acquire(context.Background(), u, dir)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, MessageAlreadyExists, second.Message)
	assert.Equal(t, first.Path, second.Path)
	assert.EqualValues(t, 1, hits.Load(), "second call must not hit the network")

	reg := rec.Registry()
	n, err := testutil.GatherAndCount(reg, "genctl_asset_fetch_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAcquire_ExistingFileSkipsNetwork(t *testing.T) {
	dir := t.TempDir()
	u := "https://weights.invalid/models/cached.ckpt"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cached.ckpt"), []byte("old"), 0o644))

	f := New(Options{HTTPClient: &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("network must not be used when the file exists")
		return nil, nil
	})}})
	res := f.Acquire(context.Background(), u, dir)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, MessageAlreadyExists, res.Message)
	assert.Equal(t, "cached.ckpt", res.Filename)
}

func TestFallbackNameDeterministic(t *testing.T) {
	u := "https://civitai.example/api/download/models/12345?type=Model"
	a := FallbackName(u)
	b := FallbackName(u)
	assert.Equal(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^lora_[0-9a-f]{32}\.safetensors$`), a)
	assert.NotEqual(t, a, FallbackName(u+"&format=SafeTensor"))
	assert.Equal(t, a, ResolveFilename(u))
}

func TestResolveFilename(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://host/models/my_lora.safetensors", "my_lora.safetensors"},
		{"https://host/models/style.CKPT", "style.CKPT"},
		{"https://host/models/adapter.bin?sig=abc", "adapter.bin"},
		{"https://host/models/readme.txt", FallbackName("https://host/models/readme.txt")},
		{"https://host/", FallbackName("https://host/")},
		{"https://host", FallbackName("https://host")},
		{"https://host/models/.safetensors", FallbackName("https://host/models/.safetensors")},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveFilename(tc.url))
		})
	}
}

func TestAcquire_NonSuccessStatusLeavesNothing(t *testing.T) {
	var hits atomic.Int32
	srv := weightServer(t, &hits, "unused")
	dir := t.TempDir()

	res := New(Options{}).Acquire(context.Background(), srv.URL+"/models/missing.safetensors", dir)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "404")
	assert.Empty(t, res.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquire_InterruptedTransferLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	f := New(Options{HTTPClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Status:        "200 OK",
			ContentLength: 1 << 20,
			Body:          &brokenBody{remaining: 100 * 1024},
			Header:        make(http.Header),
			Request:       req,
		}, nil
	})}})

	u := "https://host/models/big.safetensors"
	res := f.Acquire(context.Background(), u, dir)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection reset")

	_, err := os.Stat(filepath.Join(dir, "big.safetensors"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "target must not exist, err=%v", err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be cleaned up")
}

func TestAcquire_ShortBodyIsRejected(t *testing.T) {
	dir := t.TempDir()
	f := New(Options{HTTPClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Status:        "200 OK",
			ContentLength: 10,
			Body:          io.NopCloser(strings.NewReader("abc")),
			Header:        make(http.Header),
			Request:       req,
		}, nil
	})}})
	res := f.Acquire(context.Background(), "https://host/short.bin", dir)
	assert.False(t, res.Success)
	_, err := os.Stat(filepath.Join(dir, "short.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAcquire_CreatesNestedDirectory(t *testing.T) {
	var hits atomic.Int32
	srv := weightServer(t, &hits, "w")
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	res := New(Options{}).Acquire(context.Background(), srv.URL+"/x.safetensors", dir)
	require.True(t, res.Success, res.Error)
	assert.FileExists(t, filepath.Join(dir, "x.safetensors"))
}

func TestAcquire_DirectoryCreationFailure(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	res := New(Options{}).Acquire(context.Background(), "https://host/x.safetensors", filepath.Join(blocker, "sub"))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestAcquire_RejectsBadURL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	for _, u := range []string{"", "ftp://host/x.bin", "not a url", "http:///x.bin"} {
		res := New(Options{}).Acquire(context.Background(), u, dir)
		assert.False(t, res.Success, "url=%q", u)
	}
	_, err := os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAcquire_TargetIsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "odd.safetensors"), 0o755))
	res := New(Options{}).Acquire(context.Background(), "https://host/odd.safetensors", dir)
	assert.False(t, res.Success)
}

func TestAcquire_CanceledContext(t *testing.T) {
	var hits atomic.Int32
	srv := weightServer(t, &hits, "w")
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(Options{}).Acquire(ctx, srv.URL+"/c.safetensors", dir)
	assert.False(t, res.Success)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquire_ProgressOutput(t *testing.T) {
	var hits atomic.Int32
	srv := weightServer(t, &hits, strings.Repeat("z", 64*1024))
	var buf bytes.Buffer
	res := New(Options{Progress: &buf}).Acquire(context.Background(), srv.URL+"/p.safetensors", t.TempDir())
	require.True(t, res.Success, res.Error)
	assert.NotZero(t, buf.Len())
}

func TestAcquireAll_DeduplicatesAndKeepsOrder(t *testing.T) {
	var hits atomic.Int32
	perPath := map[string]*atomic.Int32{"/a.safetensors": {}, "/b.safetensors": {}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if c, ok := perPath[r.URL.Path]; ok {
			c.Add(1)
		}
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()

	dir := t.TempDir()
	urls := []string{srv.URL + "/a.safetensors", srv.URL + "/b.safetensors", srv.URL + "/a.safetensors"}
	results := New(Options{}).AcquireAll(context.Background(), urls, dir, 4)

	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	assert.Equal(t, "a.safetensors", results[0].Filename)
	assert.Equal(t, "b.safetensors", results[1].Filename)
	assert.Equal(t, results[0], results[2])
	assert.EqualValues(t, 1, perPath["/a.safetensors"].Load())
	assert.EqualValues(t, 1, perPath["/b.safetensors"].Load())
	assert.EqualValues(t, 2, hits.Load())
}

func TestAcquireAll_SameTargetFromDifferentURLsCollides(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()

	dir := t.TempDir()
	urls := []string{
		srv.URL + "/a/my.safetensors",
		srv.URL + "/b/my.safetensors",
		srv.URL + "/a/my.safetensors?rev=2",
	}
	results := New(Options{}).AcquireAll(context.Background(), urls, dir, 4)

	require.Len(t, results, 3)
	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, MessageDownloaded, results[0].Message)
	for _, r := range results[1:] {
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "文件名冲突")
	}
	assert.EqualValues(t, 1, hits.Load())
	b, err := os.ReadFile(filepath.Join(dir, "my.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "/a/my.safetensors", string(b))
}
