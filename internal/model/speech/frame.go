package speech

import "fmt"

// Encoding 音频帧编码
type Encoding int

const (
	// MuLaw8k G.711 mu-law, 8 bits per sample, telephony audio.
	MuLaw8k Encoding = iota
	// PCM16 signed 16-bit little-endian linear PCM.
	PCM16
)

func (e Encoding) String() string {
	switch e {
	case MuLaw8k:
		return "mulaw8k"
	case PCM16:
		return "pcm16"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// AudioFrame is a transient unit of audio moving between the client, the codec and a provider.
type AudioFrame struct {
	Payload    []byte
	Encoding   Encoding
	SampleRate int
}

// Samples returns the number of samples carried by the frame.
func (f AudioFrame) Samples() int {
	if f.Encoding == PCM16 {
		return len(f.Payload) / 2
	}
	return len(f.Payload)
}
