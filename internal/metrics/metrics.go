// Package metrics records per-run counters on a private Prometheus registry
// and flushes them in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "genctl"

// Fetch outcomes.
const (
	FetchDownloaded = "downloaded"
	FetchCached     = "cached"
	FetchFailed     = "failed"
)

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	reg         *prometheus.Registry
	fetches     *prometheus.CounterVec
	fetchBytes  prometheus.Counter
	submissions *prometheus.CounterVec
	polls       prometheus.Counter
	outcomes    *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_fetch_total",
			Help:      "Asset acquisitions by outcome.",
		}, []string{"outcome"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_fetch_bytes_total",
			Help:      "Bytes written by asset downloads.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submissions_total",
			Help:      "Job submissions by outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_checks_total",
			Help:      "Status requests issued while polling.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Final job outcomes observed by the client.",
		}, []string{"outcome"}),
	}
	r.reg.MustRegister(r.fetches, r.fetchBytes, r.submissions, r.polls, r.outcomes)
	return r
}

func (r *Recorder) Fetch(outcome string, bytes int64) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		r.fetchBytes.Add(float64(bytes))
	}
}

func (r *Recorder) Submission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) StatusCheck() {
	if r == nil {
		return
	}
	r.polls.Inc()
}

func (r *Recorder) Outcome(outcome string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// WriteTextfile writes the textfile collector format. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建指标目录失败: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("写指标文件失败: %w", err)
	}
	return nil
}
