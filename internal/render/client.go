package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var ErrMissingPromptId = errors.New("render service response did not include a prompt_id")

// Output is a single file a node claims to have written.
type Output struct {
	NodeId    string
	Filename  string
	Subfolder string
	Type      string
}

type PollResult struct {
	Status      Status
	Outputs     []Output
	ErrorDetail string
}

type Client struct {
	client *resty.Client
}

func NewClient(baseURL string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	return &Client{client: client}
}

type submitRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientId string         `json:"client_id"`
}

type submitResponse struct {
	PromptId   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

func (c *Client) Submit(ctx context.Context, graph map[string]any, clientId string) (string, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(submitRequest{Prompt: graph, ClientId: clientId}).
		Post("/prompt")
	if err != nil {
		return "", fmt.Errorf("error sending prompt to render service: %w", err)
	}

	if !res.IsSuccess() {
		return "", fmt.Errorf("render service rejected prompt: status %d: %s", res.StatusCode(), truncate(res.String(), 512))
	}

	var submitted submitResponse
	if err := json.Unmarshal(res.Body(), &submitted); err != nil {
		return "", fmt.Errorf("error parsing prompt response: %w", err)
	}

	if submitted.PromptId == "" {
		return "", ErrMissingPromptId
	}

	return submitted.PromptId, nil
}

type fileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type nodeOutput struct {
	Images []fileRef `json:"images"`
	Gifs   []fileRef `json:"gifs"`
	Videos []fileRef `json:"videos"`
}

type historyStatus struct {
	StatusStr string  `json:"status_str"`
	Completed bool    `json:"completed"`
	Messages  [][]any `json:"messages"`
}

type historyEntry struct {
	Status  historyStatus         `json:"status"`
	Outputs map[string]nodeOutput `json:"outputs"`
}

// Poll fetches the history entry for a prompt. A prompt that has not finished
// yet has no history entry and is reported as pending.
func (c *Client) Poll(ctx context.Context, promptId string) (PollResult, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("promptId", promptId).
		Get("/history/{promptId}")
	if err != nil {
		return PollResult{}, fmt.Errorf("error polling history for prompt %s: %w", promptId, err)
	}

	if !res.IsSuccess() {
		return PollResult{}, fmt.Errorf("history request for prompt %s failed: status %d", promptId, res.StatusCode())
	}

	var history map[string]historyEntry
	if err := json.Unmarshal(res.Body(), &history); err != nil {
		return PollResult{}, fmt.Errorf("error parsing history for prompt %s: %w", promptId, err)
	}

	entry, ok := history[promptId]
	if !ok {
		return PollResult{Status: StatusPending}, nil
	}

	switch {
	case entry.Status.StatusStr == "error":
		return PollResult{Status: StatusError, ErrorDetail: executionErrorDetail(entry.Status.Messages)}, nil
	case entry.Status.StatusStr == "success", entry.Status.StatusStr == "" && entry.Status.Completed:
		return PollResult{Status: StatusSuccess, Outputs: collectOutputs(entry.Outputs)}, nil
	default:
		return PollResult{Status: StatusPending}, nil
	}
}

// RefreshModels asks the render service to rescan its checkpoint directory.
func (c *Client) RefreshModels(ctx context.Context) error {
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("refresh", "true").
		Get("/object_info/CheckpointLoaderSimple")
	if err != nil {
		return fmt.Errorf("error requesting model refresh: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("model refresh failed: status %d", res.StatusCode())
	}
	return nil
}

// collectOutputs flattens node outputs in node id order so that discovery is
// deterministic regardless of JSON object ordering.
func collectOutputs(outputs map[string]nodeOutput) []Output {
	nodeIds := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIds = append(nodeIds, id)
	}
	sort.Slice(nodeIds, func(i, j int) bool {
		return nodeIdLess(nodeIds[i], nodeIds[j])
	})

	var result []Output
	for _, id := range nodeIds {
		node := outputs[id]
		for _, group := range [][]fileRef{node.Images, node.Gifs, node.Videos} {
			for _, ref := range group {
				if ref.Filename == "" {
					continue
				}
				result = append(result, Output{
					NodeId:    id,
					Filename:  ref.Filename,
					Subfolder: ref.Subfolder,
					Type:      ref.Type,
				})
			}
		}
	}
	return result
}

func nodeIdLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	return a < b
}

func executionErrorDetail(messages [][]any) string {
	for _, msg := range messages {
		if len(msg) < 2 {
			continue
		}
		if kind, _ := msg[0].(string); kind != "execution_error" {
			continue
		}
		data, ok := msg[1].(map[string]any)
		if !ok {
			break
		}

		var parts []string
		if nodeId, ok := data["node_id"]; ok {
			parts = append(parts, fmt.Sprintf("node %v", nodeId))
		}
		if nodeType, ok := data["node_type"].(string); ok && nodeType != "" {
			parts = append(parts, fmt.Sprintf("(%s)", nodeType))
		}
		if exc, ok := data["exception_message"].(string); ok && exc != "" {
			parts = append(parts, strings.TrimSpace(exc))
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}

	raw, err := json.Marshal(messages)
	if err != nil || len(messages) == 0 {
		slog.Debug("render service reported error without messages")
		return "render service reported execution error"
	}
	return truncate(string(raw), 1024)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
