package client

type GenerateReq struct {
	Prompt          string    `json:"prompt"`
	Negative        string    `json:"negative,omitempty"`
	Steps           int       `json:"steps,omitempty"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	Seed            int64     `json:"seed,omitempty"`
	LoRAs           []LoRARef `json:"loras,omitempty"`
	ReferenceImages []string  `json:"reference_images,omitempty"`
}

// LoRARef points the server at a staged weight file by filename, or at a
// URL it should fetch itself.
type LoRARef struct {
	URL      string  `json:"url,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Name     string  `json:"name,omitempty"`
	Weight   float64 `json:"weight,omitempty"`
}

type GenerateResp struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

type JobStatus struct {
	Success       bool        `json:"success"`
	JobID         string      `json:"job_id"`
	State         JobState    `json:"state"`
	ImageURL      string      `json:"image_url,omitempty"`
	Error         string      `json:"error,omitempty"`
	QueuePosition *int        `json:"queue_position,omitempty"`
	ETASeconds    float64     `json:"eta_seconds,omitempty"`
	CreatedAt     int64       `json:"created_at,omitempty"`
	Results       *JobResults `json:"results,omitempty"`
}

type JobResults struct {
	Images []OutputImage `json:"images"`
}

type OutputImage struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// Terminal reports whether no further transition can follow. States other
// than completed and failed, including ones this client does not know, are
// treated as still in progress.
func (s JobStatus) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// OutputURL prefers image_url and falls back to the first result image.
func (s JobStatus) OutputURL() string {
	if s.ImageURL != "" {
		return s.ImageURL
	}
	if s.Results != nil {
		for _, img := range s.Results.Images {
			if img.URL != "" {
				return img.URL
			}
		}
	}
	return ""
}

// Err returns a *JobFailedError for a failed job and nil otherwise.
func (s JobStatus) Err() error {
	if s.State != StateFailed {
		return nil
	}
	return &JobFailedError{JobID: s.JobID, Detail: s.Error}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	JobID   string `json:"job_id"`
}
