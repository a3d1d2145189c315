package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	wavFormatPCM   = 1
	wavFormatMuLaw = 7
)

// wavHeader 标准 44 字节 RIFF 头
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeMuLawWAV 将单声道 mu-law 原始字节封装为 WAV
func EncodeMuLawWAV(data []byte, sampleRate int) ([]byte, error) {
	return encodeWAV(data, sampleRate, wavFormatMuLaw, 8)
}

// EncodePCM16WAV 将单声道 PCM16 采样封装为 WAV
func EncodePCM16WAV(samples []int16, sampleRate int) ([]byte, error) {
	return encodeWAV(PCM16Bytes(samples), sampleRate, wavFormatPCM, 16)
}

func encodeWAV(data []byte, sampleRate int, format, bitsPerSample uint16) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: cannot encode empty audio", ErrInvalidPayload)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, sampleRate)
	}

	numChannels := uint16(1)
	dataSize := uint32(len(data))
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   format,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(data)
	return buf.Bytes(), nil
}
