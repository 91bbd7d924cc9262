package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voicegw/internal/config"
	"github.com/mattn/go-shellwords"
)

// execAgent runs a command per reply. It receives
// {"text","system","temperature"} on stdin and prints {"content": "..."}.
type execAgent struct {
	cmd         []string
	temperature float64
}

type execRequest struct {
	Text        string  `json:"text"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExec(cfg config.AgentConfig) (Agent, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse agent command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("agent command empty")
	}
	return &execAgent{cmd: args, temperature: cfg.Temperature}, nil
}

func (a *execAgent) Reply(ctx context.Context, text, system string) (string, error) {
	input, err := json.Marshal(execRequest{Text: text, System: system, Temperature: a.temperature})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, a.cmd[0], a.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("agent command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode agent response: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
