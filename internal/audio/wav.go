package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps a mono PCM16 frame in a WAV container.
func EncodeWAV(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes a PCM16 frame to path as a WAV file.
func WriteWAVFile(path string, f Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(out, f); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteWAV writes the frame as a 16-bit PCM WAV stream. Float frames must be
// normalized first.
func WriteWAV(out io.Writer, f Frame) error {
	if f.SampleWidth != WidthInt16 {
		return fmt.Errorf("wav: unsupported sample width %d", f.SampleWidth)
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	blockAlign := channels * WidthInt16
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(f.Data)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(rate),
		ByteRate:      uint32(rate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(f.Data)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(f.Data)
	return err
}

// DecodeWAV reads a 16-bit PCM WAV stream. Interleaved channels are kept;
// Normalize folds them to mono.
func DecodeWAV(data []byte) (Frame, error) {
	if len(data) < 12 {
		return Frame{}, fmt.Errorf("wav: too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Frame{}, fmt.Errorf("wav: unsupported header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    int
		sampleRate  int
		bitsPerSamp uint16
		pcm         []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return Frame{}, fmt.Errorf("wav: invalid %q chunk size", id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return Frame{}, fmt.Errorf("wav: invalid fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = append(pcm[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return Frame{}, fmt.Errorf("wav: fmt chunk missing")
	case len(pcm) == 0:
		return Frame{}, fmt.Errorf("wav: data chunk missing")
	case audioFormat != 1:
		return Frame{}, fmt.Errorf("wav: unsupported audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return Frame{}, fmt.Errorf("wav: unsupported bits per sample %d", bitsPerSamp)
	case channels <= 0:
		return Frame{}, fmt.Errorf("wav: invalid channel count %d", channels)
	case sampleRate <= 0:
		return Frame{}, fmt.Errorf("wav: invalid sample rate %d", sampleRate)
	}
	whole := len(pcm) - len(pcm)%(channels*WidthInt16)
	return Frame{Data: pcm[:whole], SampleRate: sampleRate, Channels: channels, SampleWidth: WidthInt16}, nil
}
