package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth pipes one utterance at a time through an external TTS command.
// The command reads a JSON request on stdin and writes one JSON chunk per
// line to stdout.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Rate       float64 `json:"rate"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execChunk struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("speech command empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		e.mu.Lock()
		defer e.mu.Unlock()

		in, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			Rate:       req.Rate,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}
		seq := 0
		err = e.run(ctx, in, func(line []byte) error {
			var out execChunk
			if err := json.Unmarshal(line, &out); err != nil {
				return fmt.Errorf("decode chunk %d: %w", seq, err)
			}
			pcm, err := base64.StdEncoding.DecodeString(out.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode chunk %d audio: %w", seq, err)
			}
			chunk := Chunk{Sequence: seq, SampleRate: e.sampleRate, Channels: e.channels, PCM: pcm, Final: out.Final}
			select {
			case chunks <- chunk:
				seq++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

// run starts the command, writes in to its stdin and calls each for every
// non-empty stdout line. A failing exit is reported with its stderr.
func (e *execSynth) run(ctx context.Context, in []byte, each func([]byte) error) error {
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.argv[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lineErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if lineErr = each(line); lineErr != nil {
			break
		}
	}
	if lineErr == nil {
		lineErr = scanner.Err()
	}
	if lineErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return lineErr
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", e.argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", e.argv[0], err)
	}
	return nil
}
