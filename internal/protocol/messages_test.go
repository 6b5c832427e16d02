package protocol

import (
	"encoding/json"
	"testing"
)

func TestAudioChunkDecodesBase64Audio(t *testing.T) {
	j := `{"event":"audio-chunk","data":{"sessionId":"s1","audioData":"AAEC","metadata":{"mimeType":"audio/webm","size":3,"duration":1000}}}`

	var env Envelope
	if err := json.Unmarshal([]byte(j), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Event != EventAudioChunk {
		t.Fatalf("event = %q, want %q", env.Event, EventAudioChunk)
	}

	var chunk AudioChunk
	if err := json.Unmarshal(env.Data, &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if chunk.SessionID != "s1" {
		t.Errorf("sessionId = %q, want s1", chunk.SessionID)
	}
	if len(chunk.AudioData) != 3 || chunk.AudioData[2] != 2 {
		t.Errorf("audioData = %v, want [0 1 2]", chunk.AudioData)
	}
	if chunk.MimeType() != "audio/webm" {
		t.Errorf("mimeType = %q", chunk.MimeType())
	}
}

func TestAudioChunkWithoutMetadata(t *testing.T) {
	var chunk AudioChunk
	if err := json.Unmarshal([]byte(`{"sessionId":"s1","audioData":""}`), &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if chunk.MimeType() != "" {
		t.Errorf("mimeType = %q, want empty", chunk.MimeType())
	}
}

func TestNewEnvelopeOmitsNilPayload(t *testing.T) {
	env, err := NewEnvelope(EventStopSession, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"event":"stop-session"}` {
		t.Errorf("envelope = %s", data)
	}
}

func TestSessionStoppedDurationField(t *testing.T) {
	env, err := NewEnvelope(EventSessionStopped, SessionStopped{SessionID: "s1", ChunksReceived: 4, Duration: 1500})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["chunksReceived"].(float64) != 4 {
		t.Errorf("chunksReceived = %v", raw["chunksReceived"])
	}
	if raw["duration"].(float64) != 1500 {
		t.Errorf("duration = %v", raw["duration"])
	}
}
