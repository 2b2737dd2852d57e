package describe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execGenerator hands the prompt to a local command, one request at a time.
type execGenerator struct {
	argv []string
	mu   sync.Mutex
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type execReply struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// NewExecGenerator runs command with an execRequest on stdin and expects a
// single {"content": ...} object on stdout.
func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse describe command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("describe command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	in, err := json.Marshal(execRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	out, err := cmd.Output()
	g.mu.Unlock()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return fmt.Errorf("%s: %w: %s", g.argv[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return fmt.Errorf("%s: %w", g.argv[0], err)
	}

	var reply execReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", g.argv[0], err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", g.argv[0], reply.Error)
	}
	return consumer(Chunk{Content: reply.Content})
}
