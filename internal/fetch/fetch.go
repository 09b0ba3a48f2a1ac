// Package fetch stages remote model weight files (LoRA adapters) into a local
// directory. Acquisition is idempotent per target path and never leaves a
// truncated file at the target path.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"genctl/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/semaphore"
)

const (
	MessageDownloaded    = "downloaded"
	MessageAlreadyExists = "already exists"

	FallbackPrefix = "lora_"
	FallbackExt    = ".safetensors"

	DefaultTimeout = 300 * time.Second
	chunkSize      = 32 << 10
)

var allowedExts = []string{".safetensors", ".ckpt", ".bin"}

// Result is the outcome of one Acquire call.
type Result struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

type Options struct {
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil.
	Timeout time.Duration
	// Progress receives a progress bar while a body is transferred.
	Progress io.Writer
	Metrics  *metrics.Recorder
	Logger   *zerolog.Logger
}

type Fetcher struct {
	http     *http.Client
	progress io.Writer
	metrics  *metrics.Recorder
	log      zerolog.Logger
}

func New(opts Options) *Fetcher {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Fetcher{
		http:     hc,
		progress: opts.Progress,
		metrics:  opts.Metrics,
		log:      log,
	}
}

// FallbackName is a pure function of the URL string.
func FallbackName(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return FallbackPrefix + hex.EncodeToString(sum[:]) + FallbackExt
}

// ResolveFilename returns the last URL path segment when it carries a
// recognized weight extension, otherwise FallbackName(rawURL).
func ResolveFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FallbackName(rawURL)
	}
	name := path.Base(u.Path)
	if !usableName(name) {
		return FallbackName(rawURL)
	}
	return name
}

func usableName(name string) bool {
	switch name {
	case "", ".", "..", "/":
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	lower := strings.ToLower(name)
	for _, ext := range allowedExts {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return true
		}
	}
	return false
}

func (f *Fetcher) Acquire(ctx context.Context, rawURL, dir string) Result {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateURL(rawURL); err != nil {
		return f.fail(rawURL, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return f.fail(rawURL, fmt.Errorf("创建目录失败: %w", err))
	}

	name := ResolveFilename(rawURL)
	target := filepath.Join(dir, name)
	if info, err := os.Stat(target); err == nil {
		if !info.Mode().IsRegular() {
			return f.fail(rawURL, fmt.Errorf("目标路径已存在且不是文件: %s", target))
		}
		f.metrics.Fetch(metrics.FetchCached, 0)
		f.log.Debug().Str("url", rawURL).Str("path", target).Msg("asset already present")
		return Result{Success: true, Filename: name, Path: target, Message: MessageAlreadyExists}
	} else if !errors.Is(err, os.ErrNotExist) {
		return f.fail(rawURL, fmt.Errorf("检查目标文件失败: %w", err))
	}

	n, err := f.download(ctx, rawURL, target)
	if err != nil {
		return f.fail(rawURL, err)
	}
	f.metrics.Fetch(metrics.FetchDownloaded, n)
	f.log.Debug().Str("url", rawURL).Str("path", target).Int64("bytes", n).Msg("asset downloaded")
	return Result{Success: true, Filename: name, Path: target, Message: MessageDownloaded, Bytes: n}
}

func (f *Fetcher) fail(rawURL string, err error) Result {
	f.metrics.Fetch(metrics.FetchFailed, 0)
	f.log.Debug().Str("url", rawURL).Err(err).Msg("asset fetch failed")
	return Result{Success: false, Error: err.Error()}
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url 不能为空")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("url 非法: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url 协议不支持: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url 缺少主机: %s", rawURL)
	}
	return nil
}

// download streams the body into a sibling temp file and renames it onto
// target only after the whole body has been written.
func (f *Fetcher) download(ctx context.Context, rawURL, target string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("下载失败: %s", resp.Status)
	}

	dir, name := filepath.Split(target)
	tmp, err := os.CreateTemp(dir, "."+name+".part-*")
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var w io.Writer = tmp
	var bar *progressbar.ProgressBar
	if f.progress != nil {
		bar = progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(f.progress),
			progressbar.OptionSetDescription(name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		w = io.MultiWriter(tmp, bar)
	}

	n, err := io.CopyBuffer(writerOnly{w}, resp.Body, make([]byte, chunkSize))
	if bar != nil {
		if err != nil {
			_ = bar.Exit()
		} else {
			_ = bar.Finish()
		}
	}
	if err != nil {
		return n, fmt.Errorf("写入失败（已写 %d 字节）: %w", n, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("下载不完整: %d/%d 字节", n, resp.ContentLength)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return n, fmt.Errorf("重命名失败: %w", err)
	}
	committed = true
	return n, nil
}

// writerOnly hides ReadFrom so CopyBuffer always goes through the chunk buffer.
type writerOnly struct{ io.Writer }

// ErrNameCollision reports a URL whose file name is already claimed by a
// different URL in the same batch.
var ErrNameCollision = errors.New("文件名冲突")

// AcquireAll fetches every URL into dir. Duplicate URLs share one fetch and a
// target path is claimed by the first URL resolving to it, so the same target
// is never written concurrently. Later distinct URLs with the same target fail
// with ErrNameCollision. Results follow input order.
func (f *Fetcher) AcquireAll(ctx context.Context, urls []string, dir string, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	unique := make([]string, 0, len(urls))
	seen := map[string]struct{}{}
	owner := map[string]string{}
	byURL := make(map[string]Result, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		target := filepath.Join(dir, ResolveFilename(u))
		if prev, ok := owner[target]; ok {
			byURL[u] = f.fail(u, fmt.Errorf("%w: %s 与 %s 都指向 %s", ErrNameCollision, u, prev, target))
			continue
		}
		owner[target] = u
		unique = append(unique, u)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(concurrency))
	for _, u := range unique {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res Result
			if err := sem.Acquire(ctx, 1); err != nil {
				res = f.fail(u, err)
			} else {
				res = f.Acquire(ctx, u, dir)
				sem.Release(1)
			}
			mu.Lock()
			byURL[u] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	out := make([]Result, len(urls))
	for i, u := range urls {
		out[i] = byURL[strings.TrimSpace(u)]
	}
	return out
}
