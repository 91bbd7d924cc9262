package agent

import (
	"context"
	"strings"
)

type mockAgent struct{}

// NewMock returns an agent that echoes the input.
func NewMock() Agent { return &mockAgent{} }

func (m *mockAgent) Reply(ctx context.Context, text, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	return "You said: " + text, nil
}
