package protocol

import (
	"encoding/json"
	"time"
)

// Client → server events.
const (
	EventStartSession = "start-session"
	EventAudioChunk   = "audio-chunk"
	EventStopSession  = "stop-session"
)

// Server → client events.
const (
	EventSessionStarted     = "session-started"
	EventChunkReceived      = "chunk-received"
	EventSessionStopped     = "session-stopped"
	EventTranscription      = "transcription"
	EventTranscriptionError = "transcription-error"
	EventError              = "error"
)

const (
	SubjectAudioFramePrefix    = "audio.frame"
	SubjectTranscriptFinal     = "stt.text.final"
	SubjectCaptureEventsPrefix = "capture.events"
)

// Envelope is the frame exchanged on the persistent client connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the named event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

type StartSession struct {
	SessionID string `json:"sessionId"`
}

type StopSession struct {
	SessionID string `json:"sessionId"`
}

// ChunkMetadata is optional client-side information about a chunk.
type ChunkMetadata struct {
	MimeType string `json:"mimeType,omitempty"`
	Size     int    `json:"size,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// AudioChunk carries one slice of client audio; AudioData is base64 on the wire.
type AudioChunk struct {
	SessionID string         `json:"sessionId"`
	AudioData []byte         `json:"audioData"`
	Metadata  *ChunkMetadata `json:"metadata,omitempty"`
}

// MimeType returns the declared container type, if any.
func (c AudioChunk) MimeType() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata.MimeType
}

type SessionStarted struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

type ChunkReceived struct {
	ChunkNumber int       `json:"chunkNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

type SessionStopped struct {
	SessionID      string `json:"sessionId"`
	ChunksReceived int    `json:"chunksReceived"`
	// Duration is in milliseconds.
	Duration int64 `json:"duration"`
}

type Transcription struct {
	Text string `json:"text"`
}

type TranscriptionError struct {
	Error string `json:"error"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// AudioFrame represents audio streamed from edge devices over the bus.
type AudioFrame struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Audio     []byte `json:"audio"`
	MimeType  string `json:"mime_type,omitempty"`
	Final     bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Tier      string    `json:"tier,omitempty"`
	Batch     uint64    `json:"batch"`
	Timestamp time.Time `json:"timestamp"`
}
