package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"p2p_compute/pkg/data"
)

// MessageType demultiplexes envelopes on the pub/sub topics
type MessageType string

const (
	MsgHeartbeat         MessageType = "heartbeat"
	MsgAnnounce          MessageType = "announce"
	MsgJobBroadcast      MessageType = "job:broadcast"
	MsgJobAssignment     MessageType = "job:assignment"
	MsgJobResult         MessageType = "job:result"
	MsgJobCancel         MessageType = "job:cancel"
	MsgValidationRequest MessageType = "validation:request"
	MsgValidationResult  MessageType = "validation:result"
)

// Envelope is the wire frame for every pub/sub message. The payload is a
// concrete schema selected by Type; anything that does not parse is
// dropped by the receiver.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	Sender    string          `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for publication
func NewEnvelope(msgType MessageType, sender string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return &Envelope{
		Type:      msgType,
		Version:   "1.0.0",
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Marshal serializes the envelope
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an envelope received from the wire
func (e *Envelope) Unmarshal(raw []byte) error {
	if err := json.Unmarshal(raw, e); err != nil {
		return fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if e.Type == "" {
		return fmt.Errorf("envelope missing type tag")
	}
	return nil
}

// Decode parses the payload into a concrete message struct
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Payload schemas

// JobBroadcast announces a new job looking for an executor
type JobBroadcast struct {
	Job *data.InferenceJob `json:"job"`
}

// JobAssignment claims a job for an executor. The first assignment
// observed for a job is authoritative.
type JobAssignment struct {
	JobID    string `json:"job_id"`
	Executor string `json:"executor"`
}

// JobResultMessage reports one executor's result for a job
type JobResultMessage struct {
	Result data.JobResult `json:"result"`
}

// JobCancel advises all holders to drop a job
type JobCancel struct {
	JobID string `json:"job_id"`
}

// ValidationRequestMessage asks eligible validators to re-check a result
type ValidationRequestMessage struct {
	Request data.ValidationRequest `json:"request"`
}

// ValidationResultMessage carries a validator's signed verdict
type ValidationResultMessage struct {
	Result data.ValidationResult `json:"result"`
}

// Announce introduces a peer on the discovery topic
type Announce struct {
	Peer data.PeerInfo `json:"peer_info"`
}
