package stt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
)

func TestContainerFor(t *testing.T) {
	cases := map[string]string{
		"":                         ".webm",
		"audio/webm;codecs=opus":   ".webm",
		"audio/ogg; codecs=opus":   ".ogg",
		"audio/wav":                ".wav",
		"audio/mpeg":               ".mp3",
		"audio/mp4":                ".m4a",
		"audio/pcm;rate=8000":      ".wav",
		"something/nonsense;;;==":  ".webm",
	}
	for mimeType, want := range cases {
		if got := containerFor(mimeType).ext; got != want {
			t.Fatalf("containerFor(%q) = %q, want %q", mimeType, got, want)
		}
	}
	pcm := containerFor("audio/L16;rate=8000;channels=2")
	if !pcm.pcm || pcm.sampleRate != 8000 || pcm.channels != 2 {
		t.Fatalf("unexpected pcm container: %+v", pcm)
	}
}

func TestWriteTempAudioWrapsPCM(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	path, cleanup, err := writeTempAudio(Audio{SessionID: "pcm/session", Data: pcm, MimeType: "audio/pcm"})
	if err != nil {
		t.Fatalf("write temp audio: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "loqa_capture_pcm_session_") || filepath.Ext(path) != ".wav" {
		t.Fatalf("unexpected temp path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		t.Fatalf("expected a valid wav file")
	}
	if dec.SampleRate != defaultPCMSampleRate || dec.NumChans != defaultPCMChannels {
		f.Close()
		t.Fatalf("unexpected wav format: rate=%d chans=%d", dec.SampleRate, dec.NumChans)
	}
	f.Close()

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err=%v", err)
	}
}

func TestWriteTempAudioRejectsOddPCM(t *testing.T) {
	_, cleanup, err := writeTempAudio(Audio{SessionID: "odd", Data: []byte{1, 2, 3}, MimeType: "audio/pcm"})
	defer cleanup()
	if err == nil {
		t.Fatalf("expected error for unaligned pcm")
	}
	assertNoTempFiles(t, "odd")
}

func TestSafeName(t *testing.T) {
	if got := safeName(""); got != "session" {
		t.Fatalf("expected fallback name, got %q", got)
	}
	long := strings.Repeat("a", 100)
	if got := safeName(long); len(got) != 32 {
		t.Fatalf("expected truncated name, got %d chars", len(got))
	}
	if got := safeName("../etc"); got != "___etc" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
}
