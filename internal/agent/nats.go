package agent

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voicegw/internal/bus"
	"github.com/loqalabs/loqa-voicegw/internal/protocol"
)

// natsAgent delegates replies to a responder on the bus.
type natsAgent struct {
	bus     *bus.Client
	subject string
}

func NewNATS(client *bus.Client, subject string) Agent {
	return &natsAgent{bus: client, subject: subject}
}

func (a *natsAgent) Reply(ctx context.Context, text, system string) (string, error) {
	var resp protocol.AgentResponse
	if err := a.bus.RequestJSON(ctx, a.subject, protocol.AgentRequest{Text: text, System: system}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Reply, nil
}
