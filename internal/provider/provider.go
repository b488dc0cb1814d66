package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

type Request struct {
	Model            string
	Instruction      string
	Prompt           string
	Parts            []RawPart
	GenerationConfig json.RawMessage // passed through untouched when set
	Tools            json.RawMessage
	// Metadata for logs and traces
	UserID    string
	RequestID string
}

type Response struct {
	Images       []string // data URIs, one per candidate that returned an image
	FinishReason string
	Model        string
	Provider     string
	LatencyMs    int64
}

// Error is the only error shape a provider returns. StatusCode is the
// upstream HTTP status, or 0 when the request never got a response.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider error: %s", e.Message)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ImageProvider generates images with exactly one upstream call per Generate.
// Callers wanting several images issue several requests.
type ImageProvider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Name() string
	SupportedModels() []string
}
