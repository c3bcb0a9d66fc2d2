package jetqueue

import (
	"bytes"

	json "github.com/goccy/go-json"
)

const (
	pingFrame      = "ping"
	pongFrame      = "pong"
	jobMessageType = "job"
)

type JobsMessage struct {
	Type    string `json:"type"`
	Payload []Job  `json:"payload"`
}

type frameKind int

const (
	frameJobs frameKind = iota
	framePing
	framePong
)

type rawFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// decodeFrame classifies one inbound frame. Control frames are the bare
// words ping and pong; everything else must be a job message.
func decodeFrame(data []byte) (frameKind, []Job, error) {
	switch string(data) {
	case pingFrame:
		return framePing, nil, nil
	case pongFrame:
		return framePong, nil, nil
	}

	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, nil, ErrMalformedMessage.Wrapf(err, "frame %q", truncate(data))
	}
	if raw.Type != jobMessageType {
		return 0, nil, ErrMalformedMessage.Wrapf(nil, "unexpected message type %q", raw.Type)
	}
	if len(raw.Payload) == 0 || bytes.Equal(raw.Payload, []byte("null")) {
		return 0, nil, ErrMalformedMessage.Wrapf(nil, "job message without payload")
	}
	var jobs []Job
	if err := json.Unmarshal(raw.Payload, &jobs); err != nil {
		return 0, nil, ErrMalformedMessage.Wrapf(err, "job payload")
	}
	return frameJobs, jobs, nil
}

func encodeAck(msg AckMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func truncate(data []byte) string {
	const max = 128
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
