package stt

import (
	"encoding/binary"
	"fmt"
	"mime"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	defaultPCMSampleRate = 16000
	defaultPCMChannels   = 1
)

type container struct {
	ext        string
	pcm        bool
	sampleRate int
	channels   int
}

// containerFor maps a client MIME type to a temp file extension. Raw PCM
// (audio/pcm, audio/l16) is wrapped in a WAV header before upload.
func containerFor(mimeType string) container {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch mediaType {
	case "audio/pcm", "audio/l16":
		c := container{ext: ".wav", pcm: true, sampleRate: defaultPCMSampleRate, channels: defaultPCMChannels}
		if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
			c.sampleRate = v
		}
		if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
			c.channels = v
		}
		return c
	case "audio/wav", "audio/wave", "audio/x-wav":
		return container{ext: ".wav"}
	case "audio/ogg":
		return container{ext: ".ogg"}
	case "audio/mp4", "audio/x-m4a":
		return container{ext: ".m4a"}
	case "audio/mpeg", "audio/mp3":
		return container{ext: ".mp3"}
	default:
		return container{ext: ".webm"}
	}
}

// writeTempAudio materializes audio as a uniquely named temp file. The returned
// cleanup removes it and must be deferred on every path.
func writeTempAudio(a Audio) (string, func(), error) {
	c := containerFor(a.MimeType)
	pattern := fmt.Sprintf("loqa_capture_%s_%d_*%s", safeName(a.SessionID), time.Now().UnixNano(), c.ext)
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	cleanup := func() { _ = os.Remove(name) }

	if c.pcm {
		err = writePCMToWav(file, a.Data, c.sampleRate, c.channels)
	} else {
		_, err = file.Write(a.Data)
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("write temp audio: %w", err)
	}
	return name, cleanup, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func safeName(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
