package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type TraceEvent struct {
	Stage      string
	Method     string
	URL        string
	RequestID  string
	StatusCode int
	DurationMs int64
	Request    string
	Response   string
	Error      string
}

type API struct {
	baseURL string
	http    *http.Client
	trace   func(TraceEvent)
}

const (
	connectTimeout        = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	expectContinueTimeout = 1 * time.Second
	keepAliveTimeout      = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 100
	maxIdleConnsPerHost   = 10

	maxJSONBody   = 2 << 20
	maxOutputBody = 64 << 20

	generatePath = "/api/v1/generate"
	statusPath   = "/api/v1/status/"

	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 30
)

func New(baseURL string) *API {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: keepAliveTimeout,
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   tlsHandshakeTimeout,
				ResponseHeaderTimeout: responseHeaderTimeout,
				ExpectContinueTimeout: expectContinueTimeout,
				IdleConnTimeout:       idleConnTimeout,
				MaxIdleConns:          maxIdleConns,
				MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			},
			Timeout: 120 * time.Second,
		},
	}
}

func (a *API) BaseURL() string {
	return a.baseURL
}

func (a *API) SetTrace(fn func(TraceEvent)) {
	a.trace = fn
}

func (a *API) emitTrace(ev TraceEvent) {
	if a.trace != nil {
		a.trace(ev)
	}
}

func readReqBody(req *http.Request) string {
	if req == nil || req.GetBody == nil {
		return ""
	}
	rc, err := req.GetBody()
	if err != nil {
		return ""
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxJSONBody))
	if err != nil {
		return ""
	}
	return string(b)
}

func traceBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("<binary bytes=%d sha256=%s>", len(b), hex.EncodeToString(sum[:]))
}

func (a *API) newRequest(ctx context.Context, method, rawURL, credential string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Submit posts a generation request. It returns ErrUnauthorized (wrapped) on
// a missing or rejected credential and *SubmissionError for any other
// non-accepted answer; a handle is only returned on 202.
func (a *API) Submit(ctx context.Context, credential string, in GenerateReq) (GenerateResp, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return GenerateResp{}, ErrMissingCredential
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return GenerateResp{}, fmt.Errorf("prompt 不能为空")
	}
	b, err := json.Marshal(in)
	if err != nil {
		return GenerateResp{}, err
	}
	req, err := a.newRequest(ctx, http.MethodPost, a.baseURL+generatePath, credential, b)
	if err != nil {
		return GenerateResp{}, err
	}
	resp, body, err := a.do(req, maxJSONBody)
	if err != nil {
		return GenerateResp{}, &SubmissionError{Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return GenerateResp{}, fmt.Errorf("%w: %s", ErrUnauthorized, errorDetail(body, resp.Status))
	}
	if resp.StatusCode != http.StatusAccepted {
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		return GenerateResp{}, &SubmissionError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
			Code:       eb.Error,
			Message:    eb.Message,
			JobID:      eb.JobID,
		}
	}
	var out GenerateResp
	if err := json.Unmarshal(body, &out); err != nil {
		return GenerateResp{}, &SubmissionError{StatusCode: resp.StatusCode, Status: resp.Status, Err: fmt.Errorf("解析响应失败: %w", err)}
	}
	if strings.TrimSpace(out.JobID) == "" {
		return GenerateResp{}, &SubmissionError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body), Message: "响应缺少 job_id"}
	}
	return out, nil
}

// Status issues one status request for jobID.
func (a *API) Status(ctx context.Context, credential, jobID string) (JobStatus, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return JobStatus{}, ErrMissingCredential
	}
	if strings.TrimSpace(jobID) == "" {
		return JobStatus{}, fmt.Errorf("job_id 不能为空")
	}
	req, err := a.newRequest(ctx, http.MethodGet, a.baseURL+statusPath+url.PathEscape(jobID), credential, nil)
	if err != nil {
		return JobStatus{}, err
	}
	resp, body, err := a.do(req, maxJSONBody)
	if err != nil {
		return JobStatus{}, &PollError{JobID: jobID, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return JobStatus{}, &PollError{JobID: jobID, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	var out JobStatus
	if err := json.Unmarshal(body, &out); err != nil {
		return JobStatus{}, &PollError{JobID: jobID, StatusCode: resp.StatusCode, Status: resp.Status, Err: fmt.Errorf("解析响应失败: %w", err)}
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	return out, nil
}

type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// OnStatus observes every successfully decoded status, attempt is 1-based.
	OnStatus func(attempt int, st JobStatus)
	// OnAttempt observes every status request issued, failed ones included.
	OnAttempt func(attempt int, err error)
	// RetryTransient lets a retryable status-check failure consume one attempt
	// instead of aborting the loop.
	RetryTransient bool
}

// Poll checks the job status until the server reports a terminal state or
// MaxAttempts checks have been made. A failed job is returned as a status,
// not as an error; running out of attempts yields *TimeoutError.
func (a *API) Poll(ctx context.Context, credential, jobID string, opts PollOptions) (JobStatus, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	var last JobStatus
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		st, err := a.Status(ctx, credential, jobID)
		if opts.OnAttempt != nil && !errors.Is(err, ErrMissingCredential) {
			opts.OnAttempt(attempt, err)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			if !opts.RetryTransient || !isRetryableRequestErr(err) {
				return last, err
			}
			a.emitTrace(TraceEvent{
				Stage:   "retry",
				Method:  http.MethodGet,
				URL:     a.baseURL + statusPath + url.PathEscape(jobID),
				Error:   err.Error(),
				Request: fmt.Sprintf(`{"attempt":%d,"max_attempts":%d}`, attempt, maxAttempts),
			})
		} else {
			last = st
			if opts.OnStatus != nil {
				opts.OnStatus(attempt, st)
			}
			if st.Terminal() {
				return st, nil
			}
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleepContext(ctx, opts.Interval); err != nil {
			return last, err
		}
	}
	return last, &TimeoutError{JobID: jobID, Attempts: maxAttempts, LastState: last.State}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DownloadOutput fetches a completed job's output. Relative references are
// resolved against the server base URL. The credential is only sent when the
// output lives on the server's own origin.
func (a *API) DownloadOutput(ctx context.Context, credential, ref string) ([]byte, string, error) {
	rawURL, err := a.resolve(ref)
	if err != nil {
		return nil, "", err
	}
	credential = strings.TrimSpace(credential)
	if !a.sameOrigin(rawURL) {
		credential = ""
	}
	req, err := a.newRequest(ctx, http.MethodGet, rawURL, credential, nil)
	if err != nil {
		return nil, "", err
	}
	resp, body, err := a.do(req, maxOutputBody)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("下载失败: %s %s", resp.Status, strings.TrimSpace(traceBody(body)))
	}
	h := sha256.Sum256(body)
	return body, hex.EncodeToString(h[:]), nil
}

func (a *API) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("输出地址为空")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("输出地址非法: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(a.baseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func (a *API) sameOrigin(rawURL string) bool {
	base, err := url.Parse(a.baseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

func (a *API) do(req *http.Request, limit int64) (*http.Response, []byte, error) {
	reqBody := readReqBody(req)
	reqID := req.Header.Get("X-Request-ID")
	a.emitTrace(TraceEvent{
		Stage:     "request",
		Method:    req.Method,
		URL:       req.URL.String(),
		RequestID: reqID,
		Request:   reqBody,
	})
	start := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		a.emitTrace(TraceEvent{
			Stage:      "error",
			Method:     req.Method,
			URL:        req.URL.String(),
			RequestID:  reqID,
			DurationMs: time.Since(start).Milliseconds(),
			Request:    reqBody,
			Error:      err.Error(),
		})
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	a.emitTrace(TraceEvent{
		Stage:      "response",
		Method:     req.Method,
		URL:        req.URL.String(),
		RequestID:  reqID,
		StatusCode: resp.StatusCode,
		DurationMs: time.Since(start).Milliseconds(),
		Request:    reqBody,
		Response:   traceBody(body),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("读取响应失败: %w", err)
	}
	return resp, body, nil
}

func errorDetail(body []byte, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return fallback
}

func isRetryableRequestErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	var pe *PollError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		switch pe.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		}
		return pe.StatusCode >= 500
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	retryable := []string{
		"timeout",
		"tls handshake",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"eof",
	}
	for _, key := range retryable {
		if strings.Contains(msg, key) {
			return true
		}
	}
	return false
}
