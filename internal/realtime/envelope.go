package realtime

import (
	"encoding/json"
	"time"
)

// Envelope is the frame written to client sockets.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ts    int64           `json:"ts"`
}

func encodeEnvelope(event string, payload any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data, Ts: now.UnixMilli()})
}

// Inbound frame types sent by clients.
const (
	FrameHeartbeat = "heartbeat"
	FrameSignoff   = "signoff"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type heartbeatData struct {
	DeviceType string `json:"device_type"`
}
