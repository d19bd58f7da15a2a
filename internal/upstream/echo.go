package upstream

import (
	"fmt"
	"sync"
)

// NewEchoDialer returns a dialer that stands in for the agent service during
// local development. It speaks the greeting, and after every framesPerTurn
// user audio frames it reports a transcript and plays the audio back.
func NewEchoDialer(framesPerTurn int) *MockDialer {
	if framesPerTurn <= 0 {
		framesPerTurn = 50
	}
	d := NewMockDialer()
	d.OnDial = func(c *MockConn) {
		settings := c.Settings()
		if greeting := settings.Agent.Greeting; greeting != "" {
			c.EmitControl(Control{Type: TypeConversationText, Role: "assistant", Content: greeting})
		}

		var (
			mu      sync.Mutex
			pending [][]byte
			turns   sync.Mutex
		)
		c.OnAudio(func(c *MockConn, pcm []byte) {
			mu.Lock()
			pending = append(pending, append([]byte(nil), pcm...))
			if len(pending) < framesPerTurn {
				mu.Unlock()
				return
			}
			frames := pending
			pending = nil
			mu.Unlock()

			go func() {
				turns.Lock()
				defer turns.Unlock()
				echoTurn(c, frames, settings.Audio.Input.SampleRate)
			}()
		})
	}
	return d
}

func echoTurn(c *MockConn, frames [][]byte, sampleRate int) {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	seconds := 0.0
	if sampleRate > 0 {
		seconds = float64(total) / 2 / float64(sampleRate)
	}

	c.EmitControl(Control{Type: TypeUserStartedSpeaking})
	c.EmitControl(Control{Type: TypeConversationText, Role: "user", Content: "simulated voice input"})
	c.EmitControl(Control{Type: TypeAgentThinking, Content: "echo"})
	c.EmitControl(Control{Type: TypeAgentStartedSpeaking, TotalLatency: 0.05, TTSLatency: 0.02, TTTLatency: 0.03})
	c.EmitControl(Control{
		Type:    TypeConversationText,
		Role:    "assistant",
		Content: fmt.Sprintf("I heard %.1f seconds of audio. Here it is back.", seconds),
	})
	for _, f := range frames {
		c.EmitAudio(f)
	}
	c.EmitControl(Control{Type: TypeAgentAudioDone})
}
