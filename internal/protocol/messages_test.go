package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageStartSession(t *testing.T) {
	raw := []byte(`{"type":"start_session","config":{"model_id":"gpt-4o-mini","voice_id":"aura-2-orion-en","audio_source":"browser","sample_rate":48000,"channels":1,"sample_width":2}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	start, ok := msg.(StartSession)
	if !ok {
		t.Fatalf("message type = %T, want StartSession", msg)
	}
	if start.Config.VoiceID != "aura-2-orion-en" || start.Config.SampleRate != 48000 {
		t.Fatalf("unexpected config: %+v", start.Config)
	}
}

func TestParseClientMessageDeviceNeedsInputID(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"start_session","config":{"audio_source":"device"}}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg, err := ParseClientMessage([]byte(`{"type":"start_session","config":{"audio_source":"device","input_device_id":"mic-1"}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if msg.(StartSession).Config.InputDeviceID != "mic-1" {
		t.Fatalf("input device not parsed")
	}
}

func TestParseClientMessageRejectsBadConfig(t *testing.T) {
	for _, raw := range []string{
		`{"type":"start_session","config":{"audio_source":"telepathy"}}`,
		`{"type":"start_session","config":{"sample_width":3}}`,
		`{"type":"start_session","config":{"sample_rate":-1}}`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("expected validation error for %s", raw)
		}
	}
}

func TestParseClientMessageStop(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"stop_session"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(StopSession); !ok {
		t.Fatalf("message type = %T, want StopSession", msg)
	}
}

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"audio_chunk","pcm_base64":"AQID","sample_rate":16000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(AudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want AudioChunk", msg)
	}
	pcm, err := audio.PCM()
	if err != nil {
		t.Fatalf("PCM() error = %v", err)
	}
	if len(pcm) != 3 || pcm[0] != 1 || audio.SampleRate != 16000 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageRejectsInvalidAudioChunk(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"audio_chunk","pcm_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func BenchmarkParseClientMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"audio_chunk","pcm_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":48000}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioChunk); !ok {
			b.Fatalf("message type = %T, want AudioChunk", msg)
		}
	}
}
