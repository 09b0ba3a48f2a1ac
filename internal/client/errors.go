package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMissingCredential is returned before any request is sent.
	ErrMissingCredential = fmt.Errorf("%w: 未配置 API KEY", ErrUnauthorized)
	ErrPollTimeout       = errors.New("poll timeout")
)

const concurrentLimitCode = "CONCURRENT_LIMIT"

// SubmissionError is any non-accepted answer to a job submission other than
// an authorization failure.
type SubmissionError struct {
	StatusCode int
	Status     string
	Body       string
	Code       string
	Message    string
	// JobID is set when the server names a job, e.g. the one already running.
	JobID string
	Err   error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("提交失败: %v", e.Err)
	}
	detail := e.Message
	if detail == "" {
		detail = e.Code
	}
	if detail == "" {
		detail = strings.TrimSpace(e.Body)
	}
	if detail == "" {
		return fmt.Sprintf("提交失败: %s", e.Status)
	}
	return fmt.Sprintf("提交失败: %s: %s", e.Status, detail)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsConcurrentLimit reports the server refusing a second in-flight job.
func (e *SubmissionError) IsConcurrentLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests && e.Code == concurrentLimitCode
}

// PollError is a single failed status check.
type PollError struct {
	JobID      string
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *PollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("查询状态失败（job_id=%s）: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("查询状态失败（job_id=%s）: %s %s", e.JobID, e.Status, strings.TrimSpace(e.Body))
}

func (e *PollError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return e.Err
}

// TimeoutError means the attempt budget ran out before a terminal state was
// observed. The job may still be running on the server.
type TimeoutError struct {
	JobID     string
	Attempts  int
	LastState JobState
}

func (e *TimeoutError) Error() string {
	state := string(e.LastState)
	if state == "" {
		state = "unknown"
	}
	return fmt.Sprintf("轮询超时: %d 次查询后任务仍为 %s（job_id=%s）", e.Attempts, state, e.JobID)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrPollTimeout }

// JobFailedError carries the server's failure detail verbatim.
type JobFailedError struct {
	JobID  string
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("任务失败（job_id=%s）: %s", e.JobID, e.Detail)
}
