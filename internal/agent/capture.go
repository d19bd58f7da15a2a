package agent

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/antoniostano/agentbridge/internal/audio"
)

var ErrUnknownDevice = errors.New("unknown capture device")

// CaptureSource provides server-side audio input. Capture streams frames
// until ctx ends, then closes the channel.
type CaptureSource interface {
	HasDevice(id string) bool
	Devices() []string
	Capture(ctx context.Context, deviceID string) (<-chan audio.Frame, error)
}

// ToneCapture is a capture backend whose devices emit a steady sine tone.
// It exists for local runs without a microphone attached to the server.
type ToneCapture struct {
	SampleRate int
	FrameSize  time.Duration
	tones      map[string]float64
}

// NewToneCapture registers one device per id with the given frequency.
func NewToneCapture(sampleRate int, tones map[string]float64) *ToneCapture {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &ToneCapture{SampleRate: sampleRate, FrameSize: 20 * time.Millisecond, tones: tones}
}

func (t *ToneCapture) HasDevice(id string) bool {
	_, ok := t.tones[id]
	return ok
}

func (t *ToneCapture) Devices() []string {
	out := make([]string, 0, len(t.tones))
	for id := range t.tones {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *ToneCapture) Capture(ctx context.Context, deviceID string) (<-chan audio.Frame, error) {
	freq, ok := t.tones[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	samples := int(int64(t.SampleRate) * int64(t.FrameSize) / int64(time.Second))
	out := make(chan audio.Frame, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(t.FrameSize)
		defer ticker.Stop()
		n := 0
		for {
			buf := make([]int16, samples)
			for i := range buf {
				buf[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(n)/float64(t.SampleRate)))
				n++
			}
			select {
			case <-ctx.Done():
				return
			case out <- audio.Mono16(audio.EncodeInt16(buf), t.SampleRate):
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}
