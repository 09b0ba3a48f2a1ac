package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"genctl/internal/client"
	"genctl/internal/config"
	"genctl/internal/fetch"
	"genctl/internal/input"
	"genctl/internal/metrics"
	"genctl/internal/output"
)

type GenOptions struct {
	Verbose    bool
	LogFile    string
	ConfigPath string
	// OutputDir receives the output image of each completed job; empty skips
	// the download.
	OutputDir string
	Thumbnail bool
	Inputs    []string

	Prompt   string
	Negative string
	Steps    int
	Width    int
	Height   int
	Seed     int64
	LoRAs    []string

	// Non-zero values override the config file.
	PollInterval   time.Duration
	MaxAttempts    int
	RetryTransient bool
	MetricsFile    string

	// Progress receives LoRA download progress bars.
	Progress io.Writer
}

type genJob struct {
	file  input.JobFile
	label string
}

// runEnv is everything a run needs once config and credential are loaded.
type runEnv struct {
	cfg     config.Config
	key     string
	log     *Logger
	api     *client.API
	fetcher *fetch.Fetcher
	rec     *metrics.Recorder
}

func loadConfig(path string) (config.Config, error) {
	p, err := config.ResolvePath(path)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadOrInit(p)
	if err != nil {
		return config.Config{}, err
	}
	return config.ApplyEnv(cfg), nil
}

func RunGen(ctx context.Context, opts GenOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	key, err := loadAPIKeyForRun()
	if err != nil {
		return err
	}
	jobs, err := buildGenJobs(opts)
	if err != nil {
		return err
	}
	log, err := NewLogger(opts.Verbose, opts.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	env := newRunEnv(cfg, key, log, opts.Verbose, opts.Progress)
	metricsPath := firstNonEmpty(opts.MetricsFile, cfg.Metrics.TextfilePath)
	defer func() {
		if err := env.rec.WriteTextfile(metricsPath); err != nil {
			log.Info(fmt.Sprintf("指标写入失败：%v", err))
		}
	}()

	pollOpts := client.PollOptions{
		Interval:       time.Duration(cfg.Run.PollIntervalMs) * time.Millisecond,
		MaxAttempts:    cfg.Run.PollMaxAttempts,
		RetryTransient: cfg.Run.RetryTransient || opts.RetryTransient,
	}
	if opts.PollInterval > 0 {
		pollOpts.Interval = opts.PollInterval
	}
	if opts.MaxAttempts > 0 {
		pollOpts.MaxAttempts = opts.MaxAttempts
	}

	startAll := time.Now()
	var errs []error
	success := 0
	// The server runs one job per credential at a time, so jobs go one by one.
	for _, job := range jobs {
		err := env.runJob(ctx, job, pollOpts, opts)
		if err == nil {
			success++
			continue
		}
		if isContextCanceledErr(err) && ctx.Err() != nil {
			log.Info(fmt.Sprintf("%s 已取消", taskPrefix(time.Since(startAll), job.label)))
			return context.Canceled
		}
		log.Info(fmt.Sprintf("%s 生成失败：%v", taskPrefix(time.Since(startAll), job.label), err))
		if errors.Is(err, client.ErrUnauthorized) {
			return err
		}
		errs = append(errs, err)
	}
	log.Info(fmt.Sprintf("任务完成：成功 %d，失败 %d，总耗时 %s", success, len(errs), humanDurationShort(time.Since(startAll))))
	return errors.Join(errs...)
}

func newRunEnv(cfg config.Config, key string, log *Logger, verbose bool, progress io.Writer) *runEnv {
	rec := metrics.New()
	api := client.New(cfg.Server.BaseURL)
	api.SetTrace(func(ev client.TraceEvent) {
		if shouldSkipVerboseHTTPTrace(verbose, ev) {
			return
		}
		log.Event("http_"+ev.Stage, map[string]any{
			"method":      ev.Method,
			"url":         ev.URL,
			"request_id":  ev.RequestID,
			"status_code": ev.StatusCode,
			"duration_ms": ev.DurationMs,
			"request":     ev.Request,
			"response":    ev.Response,
			"error":       ev.Error,
		})
	})
	fetcher := fetch.New(fetch.Options{
		Timeout:  time.Duration(cfg.Fetch.TimeoutSecond) * time.Second,
		Progress: progress,
		Metrics:  rec,
		Logger:   log.Zerolog(),
	})
	return &runEnv{cfg: cfg, key: key, log: log, api: api, fetcher: fetcher, rec: rec}
}

func buildGenJobs(opts GenOptions) ([]genJob, error) {
	var files []input.JobFile
	if len(opts.Inputs) > 0 {
		found, err := input.Discover(opts.Inputs)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if strings.TrimSpace(opts.Prompt) != "" {
		jf := input.JobFile{
			Prompt:   opts.Prompt,
			Negative: opts.Negative,
			Steps:    opts.Steps,
			Width:    opts.Width,
			Height:   opts.Height,
			Seed:     opts.Seed,
		}
		for _, u := range opts.LoRAs {
			jf.LoRAs = append(jf.LoRAs, input.LoRA{URL: u})
		}
		if err := jf.Validate(); err != nil {
			return nil, err
		}
		files = append(files, jf)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("需要 --prompt 或至少一个任务文件")
	}
	jobs := make([]genJob, 0, len(files))
	for _, f := range files {
		jobs = append(jobs, genJob{file: f, label: taskDisplayLabel(len(files), f.Path)})
	}
	return jobs, nil
}

func taskDisplayLabel(fileCount int, path string) string {
	if fileCount <= 1 {
		return ""
	}
	if path == "" {
		return "prompt"
	}
	return filepath.Base(path)
}

func taskPrefix(elapsed time.Duration, taskLabel string) string {
	sec := int64(elapsed / time.Second)
	if sec < 0 {
		sec = 0
	}
	hh := sec / 3600
	mm := (sec % 3600) / 60
	ss := sec % 60
	p := fmt.Sprintf("%02d:%02d", mm, ss)
	if hh > 0 {
		p = fmt.Sprintf("%02d:%02d:%02d", hh, mm, ss)
	}
	if strings.TrimSpace(taskLabel) == "" {
		return p
	}
	return fmt.Sprintf("%s [%s]", p, strings.TrimSpace(taskLabel))
}

// stageLoRAs fetches every LoRA of the job into the configured directory and
// returns references that name the staged files.
func (e *runEnv) stageLoRAs(ctx context.Context, job genJob, start time.Time) ([]client.LoRARef, error) {
	if len(job.file.LoRAs) == 0 {
		return nil, nil
	}
	results := e.fetcher.AcquireAll(ctx, job.file.LoRAURLs(), e.cfg.Fetch.LoraDir, e.cfg.Fetch.Concurrency)
	refs := make([]client.LoRARef, 0, len(results))
	for i, res := range results {
		l := job.file.LoRAs[i]
		if !res.Success {
			return nil, fmt.Errorf("LoRA 下载失败（%s）: %s", l.URL, res.Error)
		}
		e.log.Info(fmt.Sprintf("%s LoRA %s：%s", taskPrefix(time.Since(start), job.label), res.Message, res.Filename))
		refs = append(refs, client.LoRARef{URL: l.URL, Filename: res.Filename, Name: l.Name, Weight: l.Weight})
	}
	return refs, nil
}

func (e *runEnv) runJob(ctx context.Context, job genJob, pollOpts client.PollOptions, opts GenOptions) error {
	start := time.Now()
	loras, err := e.stageLoRAs(ctx, job, start)
	if err != nil {
		return err
	}

	req := client.GenerateReq{
		Prompt:          job.file.Prompt,
		Negative:        job.file.Negative,
		Steps:           job.file.Steps,
		Width:           job.file.Width,
		Height:          job.file.Height,
		Seed:            job.file.Seed,
		LoRAs:           loras,
		ReferenceImages: job.file.ReferenceImages,
	}
	resp, err := e.api.Submit(ctx, e.key, req)
	if err != nil {
		e.rec.Submission(submissionOutcome(err))
		return err
	}
	e.rec.Submission("accepted")
	e.log.Info(fmt.Sprintf("%s 任务已提交 %s", taskPrefix(time.Since(start), job.label), resp.JobID))
	e.log.Event("job_submitted", map[string]any{"job_id": resp.JobID, "task": job.label})

	var lastState client.JobState
	pollOpts.OnAttempt = func(int, error) { e.rec.StatusCheck() }
	pollOpts.OnStatus = func(attempt int, st client.JobStatus) {
		e.log.Event("job_status", map[string]any{
			"job_id":  resp.JobID,
			"attempt": attempt,
			"state":   st.State,
			"task":    job.label,
		})
		if st.State == lastState {
			return
		}
		lastState = st.State
		e.log.Info(fmt.Sprintf("%s %s", taskPrefix(time.Since(start), job.label), statusLine(st)))
	}
	st, err := e.api.Poll(ctx, e.key, resp.JobID, pollOpts)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrPollTimeout):
			e.rec.Outcome("timeout")
		case isContextCanceledErr(err):
			e.rec.Outcome("canceled")
		default:
			e.rec.Outcome("error")
		}
		return err
	}
	if err := st.Err(); err != nil {
		e.rec.Outcome(string(client.StateFailed))
		return err
	}
	e.rec.Outcome(string(client.StateCompleted))

	ref := st.OutputURL()
	if opts.OutputDir == "" || ref == "" {
		if ref != "" {
			e.log.Info(fmt.Sprintf("%s 输出：%s", taskPrefix(time.Since(start), job.label), ref))
		}
		return nil
	}
	return e.saveOutput(ctx, job, ref, opts, start)
}

func (e *runEnv) saveOutput(ctx context.Context, job genJob, ref string, opts GenOptions, start time.Time) error {
	data, sha, err := e.api.DownloadOutput(ctx, e.key, ref)
	if err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(strings.SplitN(ref, "?", 2)[0]))
	if ext == "" {
		ext = ".png"
	}
	_, imgPath, thumbPath, err := output.UniquePair(opts.OutputDir, ext)
	if err != nil {
		return fmt.Errorf("输出文件名失败: %w", err)
	}
	w, h, err := output.SaveImage(imgPath, data)
	if err != nil {
		return err
	}
	e.log.Info(fmt.Sprintf("%s 图片已写入：%s（%dx%d）", taskPrefix(time.Since(start), job.label), mustAbsPath(imgPath), w, h))
	e.log.Event("output_saved", map[string]any{"path": imgPath, "sha256": sha, "bytes": len(data)})
	if !opts.Thumbnail {
		return nil
	}
	tw, th, err := output.WriteThumbnail(imgPath, thumbPath, output.DefaultThumbWidth, output.DefaultThumbHeight)
	if err != nil {
		return err
	}
	e.log.Info(fmt.Sprintf("%s 缩略图已写入：%s（%dx%d）", taskPrefix(time.Since(start), job.label), mustAbsPath(thumbPath), tw, th))
	return nil
}

func statusLine(st client.JobStatus) string {
	switch st.State {
	case client.StateQueued:
		if st.QueuePosition != nil {
			return fmt.Sprintf("排队中（位置 %d）", *st.QueuePosition)
		}
		return "排队中"
	case client.StateRunning:
		return "生成中"
	case client.StateCompleted:
		return "生成完成"
	case client.StateFailed:
		return fmt.Sprintf("生成失败：%s", st.Error)
	default:
		return fmt.Sprintf("状态：%s", st.State)
	}
}

func submissionOutcome(err error) string {
	var se *client.SubmissionError
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &se) && se.IsConcurrentLimit():
		return "concurrent_limit"
	default:
		return "rejected"
	}
}

func isContextCanceledErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation was canceled") || strings.Contains(msg, "operation was cancelled")
}

// Status checks are frequent and uninteresting; they are reported through
// the job_status event instead.
func shouldSkipVerboseHTTPTrace(verbose bool, ev client.TraceEvent) bool {
	if !verbose {
		return true
	}
	return strings.EqualFold(ev.Method, "GET") && strings.Contains(ev.URL, "/api/v1/status/")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func humanDurationShort(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	sec := int64(d.Round(time.Second) / time.Second)
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func mustAbsPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
