package speech

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	perChar    time.Duration
}

// NewMockSynth returns a synthesizer that produces silence after a delay
// proportional to the text length and inversely proportional to the rate.
func NewMockSynth(sampleRate, channels int, perChar time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perChar: perChar}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)
	rate := req.Rate
	if rate <= 0 {
		rate = 1
	}
	delay := time.Duration(float64(m.perChar) * float64(len(req.Text)) / rate)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(delay):
		}
		chunks <- Chunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        []byte{},
			Final:      true,
		}
	}()
	return chunks, errs
}
