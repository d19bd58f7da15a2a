package audio

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int16Frame(rate int, samples ...int16) Frame {
	return Mono16(EncodeInt16(samples), rate)
}

func TestDownsampleBoxAveragesIntegerRatio(t *testing.T) {
	out := Downsample(int16Frame(48000, 3, 6, 9, 30, 60, 90), 16000, &Remainder{})

	assert.Equal(t, 16000, out.SampleRate)
	assert.Equal(t, 1, out.Channels)
	assert.Equal(t, []int16{6, 60}, DecodeInt16(out.Data))
}

func TestDownsampleCarriesRemainderAcrossFrames(t *testing.T) {
	rem := &Remainder{}

	first := Downsample(int16Frame(48000, 3, 6, 9, 30), 16000, rem)
	second := Downsample(int16Frame(48000, 60, 90), 16000, rem)

	assert.Equal(t, []int16{6}, DecodeInt16(first.Data))
	assert.Equal(t, []int16{60}, DecodeInt16(second.Data))
}

func TestDownsampleKeepsPartialSampleBytes(t *testing.T) {
	rem := &Remainder{}
	data := EncodeInt16([]int16{300, 300, 300})

	first := Downsample(Mono16(data[:5], 48000), 16000, rem)
	second := Downsample(Mono16(data[5:], 48000), 16000, rem)

	assert.True(t, first.Empty())
	assert.Equal(t, []int16{300}, DecodeInt16(second.Data))
}

func TestDownsampleMixesStereoAndFloat(t *testing.T) {
	raw := make([]byte, 0, 6*2*4)
	for i := 0; i < 6; i++ {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(0.5))
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(-0.5))
	}
	out := Downsample(Frame{Data: raw, SampleRate: 48000, Channels: 2, SampleWidth: WidthFloat32}, 16000, &Remainder{})

	assert.Equal(t, []int16{0, 0}, DecodeInt16(out.Data))
}

func TestDownsampleNonIntegerRatioInterpolates(t *testing.T) {
	samples := make([]int16, 441)
	for i := range samples {
		samples[i] = 1000
	}
	out := Downsample(int16Frame(44100, samples...), 16000, &Remainder{})

	got := DecodeInt16(out.Data)
	require.NotEmpty(t, got)
	assert.InDelta(t, 160, len(got), 1)
	for _, s := range got {
		assert.Equal(t, int16(1000), s)
	}
}

func TestUpsampleIsContinuousAcrossFrames(t *testing.T) {
	rem := &Remainder{}

	first := DecodeInt16(Upsample(int16Frame(16000, 0, 300), 48000, rem).Data)
	second := DecodeInt16(Upsample(int16Frame(16000, 600, 900), 48000, rem).Data)

	assert.Equal(t, []int16{0, 100, 200}, first)
	assert.Equal(t, []int16{300, 400, 500, 600, 700, 800}, second)
}

func TestUpsampleToLowerRateDownsamples(t *testing.T) {
	out := Upsample(int16Frame(48000, 3, 6, 9), 16000, &Remainder{})
	assert.Equal(t, 16000, out.SampleRate)
	assert.Equal(t, []int16{6}, DecodeInt16(out.Data))
}

func TestResampleAlwaysReachesTargetRate(t *testing.T) {
	var rem Remainder
	low := Resample(Mono16(EncodeInt16(make([]int16, 800)), 8000), 16000, &rem)
	assert.Equal(t, 16000, low.SampleRate)
	assert.InDelta(t, 1600, low.Samples(), 2)

	rem.Reset()
	high := Resample(Mono16(EncodeInt16(make([]int16, 960)), 48000), 16000, &rem)
	assert.Equal(t, 16000, high.SampleRate)
	assert.Equal(t, 320, high.Samples())

	rem.Reset()
	same := Resample(Mono16(EncodeInt16(make([]int16, 320)), 16000), 16000, &rem)
	assert.Equal(t, 320, same.Samples())
}

func TestDegenerateFramesProduceEmptyOutput(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"empty", Mono16(nil, 48000)},
		{"zero rate", Mono16([]byte{1, 2}, 0)},
		{"zero channels", Frame{Data: []byte{1, 2}, SampleRate: 48000, SampleWidth: WidthInt16}},
		{"unsupported width", Frame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1, SampleWidth: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, Downsample(tc.frame, 16000, &Remainder{}).Empty())
			assert.True(t, Upsample(tc.frame, 48000, &Remainder{}).Empty())
		})
	}
}

func TestNilRemainderIsAccepted(t *testing.T) {
	out := Downsample(int16Frame(48000, 1, 2, 3), 16000, nil)
	assert.Equal(t, []int16{2}, DecodeInt16(out.Data))
}

func TestRemainderReset(t *testing.T) {
	rem := &Remainder{}
	Downsample(int16Frame(48000, 9, 9), 16000, rem)
	rem.Reset()

	out := Downsample(int16Frame(48000, 3, 3, 3), 16000, rem)
	assert.Equal(t, []int16{3}, DecodeInt16(out.Data))
}

func TestFrameDuration(t *testing.T) {
	f := int16Frame(16000, make([]int16, 320)...)
	assert.Equal(t, 320, f.Samples())
	assert.Equal(t, "20ms", f.Duration().String())
}

func TestWAVRoundTripHeader(t *testing.T) {
	data, err := EncodeWAV(int16Frame(16000, 1, 2, 3, 4))
	require.NoError(t, err)
	require.Len(t, data, 44+8)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(data[40:44]))

	_, err = EncodeWAV(Frame{Data: []byte{0, 0, 0, 0}, SampleRate: 16000, Channels: 1, SampleWidth: WidthFloat32})
	assert.Error(t, err)
}

func TestRecorderCapsAndSaves(t *testing.T) {
	r := NewRecorder(16000, 6)
	r.Write(int16Frame(16000, 1, 2))
	r.Write(int16Frame(16000, 3, 4))
	assert.Equal(t, 6, r.Len())

	dir := t.TempDir()
	path, err := r.Save(dir, "session")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "session.wav"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(44+6), info.Size())
}
