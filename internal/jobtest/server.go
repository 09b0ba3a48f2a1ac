// Package jobtest runs an in-process job server that speaks the
// generate/status HTTP contract, for tests.
package jobtest

import (
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Options struct {
	Token string
	// States is replayed per job, one entry per status check; the last entry
	// repeats. Defaults to queued, running, completed.
	States     []string
	FailDetail string
	// SubmitStatus forces every submission to answer with this code.
	SubmitStatus int
	// StatusFailures makes the first N status checks of each job answer 503.
	StatusFailures int
	// ConcurrentLimit rejects a submission while another job is not terminal.
	ConcurrentLimit bool
}

type job struct {
	id            string
	checks        int
	terminal      bool
	afterTerminal int
	request       map[string]any
}

type Server struct {
	*httptest.Server
	opts Options

	mu          sync.Mutex
	jobs        map[string]*job
	order       []string
	submissions int
	rejected    int
}

func New(opts Options) *Server {
	if len(opts.States) == 0 {
		opts.States = []string{"queued", "running", "completed"}
	}
	if opts.FailDetail == "" {
		opts.FailDetail = "CUDA out of memory"
	}
	s := &Server{opts: opts, jobs: map[string]*job{}}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/generate", s.generate)
		r.Get("/status/{jobID}", s.status)
	})
	r.Get("/outputs/{name}", s.output)
	s.Server = httptest.NewServer(r)
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" || r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			s.mu.Lock()
			s.rejected++
			s.mu.Unlock()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized: Invalid or missing API Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if p, _ := body["prompt"].(string); p == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Prompt is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions++
	if s.opts.SubmitStatus != 0 {
		writeJSON(w, s.opts.SubmitStatus, map[string]string{"error": "forced failure"})
		return
	}
	if s.opts.ConcurrentLimit {
		for _, id := range s.order {
			if j := s.jobs[id]; !j.terminal {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":   "CONCURRENT_LIMIT",
					"job_id":  j.id,
					"message": "External agent already has a generation in progress.",
				})
				return
			}
		}
	}
	j := &job{id: "ext_" + uuid.NewString(), request: body}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"job_id":  j.id,
		"message": "Job accepted and queued",
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Job not found"})
		return
	}
	j.checks++
	if j.terminal {
		j.afterTerminal++
	}
	if j.checks <= s.opts.StatusFailures {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
		return
	}
	idx := j.checks - s.opts.StatusFailures - 1
	if idx >= len(s.opts.States) {
		idx = len(s.opts.States) - 1
	}
	state := s.opts.States[idx]
	out := map[string]any{"success": true, "job_id": j.id, "state": state}
	switch state {
	case "queued":
		out["queue_position"] = 0
		out["eta_seconds"] = 30
	case "completed":
		j.terminal = true
		out["image_url"] = "/outputs/" + j.id + ".png"
	case "failed":
		j.terminal = true
		out["error"] = s.opts.FailDetail
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	img := imaging.New(64, 48, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	w.Header().Set("Content-Type", "image/png")
	_ = imaging.Encode(w, img, imaging.PNG)
}

func (s *Server) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

func (s *Server) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *Server) JobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Server) StatusChecks(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.checks
	}
	return 0
}

// ChecksAfterTerminal counts status requests received after the job had
// already reported completed or failed.
func (s *Server) ChecksAfterTerminal(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.afterTerminal
	}
	return 0
}

// Request returns the decoded submission body of jobID.
func (s *Server) Request(jobID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.request
	}
	return nil
}
