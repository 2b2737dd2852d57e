// Package describe produces short prose descriptions of the rows a selection
// matches, using a pluggable language model backend.
package describe

import "context"

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content string
	Partial bool
}

// Generator defines a pluggable model backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
