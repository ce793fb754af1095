package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"render-worker/internal/render"
)

// Job is a render graph: node id to node definition.
type Job map[string]any

func (j Job) Validate() error {
	if len(j) == 0 {
		return fmt.Errorf("job graph is empty")
	}

	nodeIds := make([]string, 0, len(j))
	for id := range j {
		nodeIds = append(nodeIds, id)
	}
	sort.Strings(nodeIds)

	for _, id := range nodeIds {
		node, ok := j[id].(map[string]any)
		if !ok {
			return fmt.Errorf("node %q must be an object, got %T", id, j[id])
		}

		classType, ok := node["class_type"].(string)
		if !ok || strings.TrimSpace(classType) == "" {
			return fmt.Errorf("node %q is missing class_type", id)
		}

		if inputs, ok := node["inputs"]; ok && inputs != nil {
			if _, ok := inputs.(map[string]any); !ok {
				return fmt.Errorf("node %q inputs must be an object, got %T", id, inputs)
			}
		}
	}

	return nil
}

type SubmissionHandle struct {
	JobId         string
	CorrelationId string
	SubmitTime    time.Time
}

type OutputDescriptor struct {
	NodeId    string
	Filename  string
	Subfolder string
	Type      string
}

type CompletionReport struct {
	Status      render.Status
	Outputs     []OutputDescriptor
	ErrorDetail string
}

type Artifact struct {
	Path    string
	Cutoff  time.Time
	Size    int64
	ModTime time.Time
}

type DeliveryAttempt struct {
	Backend string
	Error   error
}

type DeliveryResult struct {
	Artifact Artifact
	Backend  string
	Locator  string
	Success  bool
	Attempts []DeliveryAttempt
}

// PrimaryFailed reports whether the first backend in the chain failed for this
// artifact, regardless of whether a fallback succeeded.
func (r DeliveryResult) PrimaryFailed() bool {
	return len(r.Attempts) > 0 && r.Attempts[0].Error != nil
}

func (r DeliveryResult) ErrorSummary() string {
	msgs := make([]string, 0, len(r.Attempts))
	for _, attempt := range r.Attempts {
		if attempt.Error != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", attempt.Backend, attempt.Error))
		}
	}
	return strings.Join(msgs, "; ")
}

type FailedUpload struct {
	Source       string
	Error        string
	DeliveredVia string
}

type Warnings struct {
	FailedUploads int
	Details       []FailedUpload
}

type Result struct {
	Links       []string
	TotalImages int
	JobId       string
	StorageType string
	Warnings    *Warnings
	S3Bucket    string
	LocalPaths  []string
	VolumePaths []string
}
