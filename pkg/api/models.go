package api

type RunInput struct {
	Workflow map[string]any `json:"workflow"`
}

// RunEvent is the payload accepted by POST /run. Events with type
// "heartbeat" only keep the worker alive and never run a job.
type RunEvent struct {
	Id    string   `json:"id,omitempty"`
	Type  string   `json:"type,omitempty"`
	Input RunInput `json:"input"`
}

const EventTypeHeartbeat = "heartbeat"

type StatusResponse struct {
	Status string `json:"status"`
}

type FailedUpload struct {
	Source       string `json:"source"`
	Error        string `json:"error"`
	DeliveredVia string `json:"delivered_via,omitempty"`
}

type Warnings struct {
	FailedUploads int            `json:"failed_uploads"`
	Details       []FailedUpload `json:"details"`
}

type RunResponse struct {
	Links       []string  `json:"links"`
	TotalImages int       `json:"total_images"`
	JobId       string    `json:"job_id"`
	StorageType string    `json:"storage_type"`
	Warnings    *Warnings `json:"warnings,omitempty"`
	S3Bucket    string    `json:"s3_bucket,omitempty"`
	LocalPaths  []string  `json:"local_paths,omitempty"`
	VolumePaths []string  `json:"volume_paths,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}
