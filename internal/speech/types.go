// Package speech turns narration text into audio for the external player. The
// scheduler reads narration through a Speaker, which blocks until the
// synthesizer delivers its final chunk.
package speech

import "context"

// Request contains parameters to synthesize one utterance.
type Request struct {
	SessionID   string
	UtteranceID string
	Text        string
	Voice       string
	Rate        float64
}

// Chunk contains PCM data.
type Chunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
