package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Supported sample widths in bytes.
const (
	WidthInt16   = 2
	WidthFloat32 = 4
)

// Frame is one chunk of interleaved little-endian PCM. A SampleWidth of 2
// means signed 16-bit integers, 4 means IEEE float32 in [-1, 1].
type Frame struct {
	Data        []byte
	SampleRate  int
	Channels    int
	SampleWidth int
}

// Mono16 builds a mono int16 frame.
func Mono16(data []byte, sampleRate int) Frame {
	return Frame{Data: data, SampleRate: sampleRate, Channels: 1, SampleWidth: WidthInt16}
}

func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

func (f Frame) valid() bool {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return false
	}
	return f.SampleWidth == WidthInt16 || f.SampleWidth == WidthFloat32
}

// Samples reports the number of complete sample groups in the frame.
func (f Frame) Samples() int {
	if !f.valid() {
		return 0
	}
	return len(f.Data) / (f.Channels * f.SampleWidth)
}

func (f Frame) Duration() time.Duration {
	if !f.valid() {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Normalize folds the frame to mono int16 samples. Bytes that do not form a
// whole sample group are kept in rem and prepended to the next frame.
// Degenerate frames yield no samples.
func Normalize(f Frame, rem *Remainder) []int16 {
	if !f.valid() {
		return nil
	}
	data := f.Data
	if rem != nil && len(rem.partial) > 0 {
		data = append(append(make([]byte, 0, len(rem.partial)+len(f.Data)), rem.partial...), f.Data...)
		rem.partial = rem.partial[:0]
	}
	group := f.Channels * f.SampleWidth
	n := len(data) / group
	if rem != nil && len(data)%group != 0 {
		rem.partial = append(rem.partial[:0], data[n*group:]...)
	}
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		base := i * group
		var sum float64
		for ch := 0; ch < f.Channels; ch++ {
			off := base + ch*f.SampleWidth
			sum += sampleAt(data[off:off+f.SampleWidth], f.SampleWidth)
		}
		out[i] = clamp16(sum / float64(f.Channels))
	}
	return out
}

func sampleAt(b []byte, width int) float64 {
	if width == WidthFloat32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b))
		if math.IsNaN(float64(v)) {
			return 0
		}
		return float64(v) * math.MaxInt16
	}
	return float64(int16(binary.LittleEndian.Uint16(b)))
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// EncodeInt16 serializes samples as little-endian PCM16.
func EncodeInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeInt16 parses little-endian PCM16, ignoring a trailing odd byte.
func DecodeInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
