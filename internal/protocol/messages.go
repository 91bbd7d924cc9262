package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Control frame types sent by ASR clients.
const (
	ControlStart = "start"
	ControlStop  = "stop"
)

// Result frame types sent to ASR clients.
const (
	ResultAck     = "ack"
	ResultPartial = "partial"
	ResultFinal   = "final"
)

// ControlMessage is a client text frame on the ASR socket.
type ControlMessage struct {
	Type       string          `json:"type"`
	SampleRate json.RawMessage `json:"sampleRate,omitempty"`
}

// ParseControl decodes a text frame. It fails only on malformed JSON.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, err
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	return msg, nil
}

// SampleRateOr returns the requested sample rate, or fallback when the field is
// absent, null, non-numeric or not positive.
func (m ControlMessage) SampleRateOr(fallback int) int {
	if len(m.SampleRate) == 0 {
		return fallback
	}
	var v any
	if err := json.Unmarshal(m.SampleRate, &v); err != nil {
		return fallback
	}
	var rate float64
	switch x := v.(type) {
	case float64:
		rate = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return fallback
		}
		rate = parsed
	default:
		return fallback
	}
	if math.IsNaN(rate) || rate < 1 || rate > math.MaxInt32 {
		return fallback
	}
	return int(rate)
}

// ResultMessage is a server text frame on the ASR socket.
type ResultMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Text       string `json:"text,omitempty"`
}

func Ack(sampleRate int) ResultMessage {
	return ResultMessage{Type: ResultAck, SampleRate: sampleRate}
}

func Partial(text string) ResultMessage {
	return ResultMessage{Type: ResultPartial, Text: text}
}

func Final(text string) ResultMessage {
	return ResultMessage{Type: ResultFinal, Text: text}
}

// SynthRequest is the body of the /tts endpoints.
type SynthRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// ReplyRequest is the body of the /agent endpoints.
type ReplyRequest struct {
	Text   string `json:"text"`
	System string `json:"system,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

// ReplyResponse is returned by /agent/reply.
type ReplyResponse struct {
	Reply string `json:"reply"`
}

// ErrorResponse is the structured error body of the streaming endpoints.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// CallRecord is one entry of GET /calls.
type CallRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Bytes      int64     `json:"bytes"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentRequest is sent on the agent subject by the nats agent.
type AgentRequest struct {
	Text   string `json:"text"`
	System string `json:"system,omitempty"`
}

// AgentResponse answers an AgentRequest.
type AgentResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Bus subjects for recognized speech.
const (
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptPartial = "stt.text.partial"
)
