package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"genctl/internal/fetch"
	"genctl/internal/metrics"
)

type FetchOptions struct {
	Verbose    bool
	LogFile    string
	ConfigPath string
	URLs       []string
	// Dir overrides the configured LoRA directory.
	Dir         string
	MetricsFile string
	Stdout      io.Writer
	Progress    io.Writer
}

var errFetchFailed = fmt.Errorf("存在下载失败的文件")

// RunFetch acquires each URL and prints one JSON result per line on stdout.
func RunFetch(ctx context.Context, opts FetchOptions) error {
	urls := trimmed(opts.URLs)
	if len(urls) == 0 {
		return fmt.Errorf("至少需要一个 url")
	}
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	log, err := NewLogger(opts.Verbose, opts.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	dir := firstNonEmpty(opts.Dir, cfg.Fetch.LoraDir)
	rec := metrics.New()
	f := fetch.New(fetch.Options{
		Timeout:  time.Duration(cfg.Fetch.TimeoutSecond) * time.Second,
		Progress: opts.Progress,
		Metrics:  rec,
		Logger:   log.Zerolog(),
	})
	results := f.AcquireAll(ctx, urls, dir, cfg.Fetch.Concurrency)

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	enc := json.NewEncoder(stdout)
	failed := 0
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.Success {
			failed++
		}
	}
	if err := rec.WriteTextfile(firstNonEmpty(opts.MetricsFile, cfg.Metrics.TextfilePath)); err != nil {
		log.Info(fmt.Sprintf("指标写入失败：%v", err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%w（%d/%d）", errFetchFailed, failed, len(results))
	}
	return nil
}

func trimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
