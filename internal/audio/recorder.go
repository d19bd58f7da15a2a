package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Recorder accumulates one direction of a session's PCM16 audio for offline
// inspection. Audio beyond maxBytes is discarded.
type Recorder struct {
	mu         sync.Mutex
	sampleRate int
	maxBytes   int
	buf        []byte
	truncated  bool
}

func NewRecorder(sampleRate, maxBytes int) *Recorder {
	if maxBytes <= 0 {
		// Ten minutes at 16 kHz mono.
		maxBytes = 16000 * 2 * 600
	}
	return &Recorder{sampleRate: sampleRate, maxBytes: maxBytes}
}

func (r *Recorder) Write(f Frame) {
	if r == nil || f.Empty() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.maxBytes - len(r.buf)
	if room <= 0 {
		r.truncated = true
		return
	}
	data := f.Data
	if len(data) > room {
		data = data[:room]
		r.truncated = true
	}
	r.buf = append(r.buf, data...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Save writes the captured audio to dir/name.wav and returns the path.
func (r *Recorder) Save(dir, name string) (string, error) {
	r.mu.Lock()
	data := append([]byte(nil), r.buf...)
	r.mu.Unlock()
	if len(data) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create audio debug dir: %w", err)
	}
	path := filepath.Join(dir, name+".wav")
	if err := WriteWAVFile(path, Mono16(data, r.sampleRate)); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
