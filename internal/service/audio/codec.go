package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// TelephonyRate 上行 mu-law 音频采样率
const TelephonyRate = 8000

var (
	ErrInvalidPayload = errors.New("invalid audio payload")
	ErrInvalidRate    = errors.New("invalid sample rate")
	ErrOddLength      = errors.New("pcm16 payload has odd length")
)

// DecodeInbound 将 base64 mu-law 电话音频帧解码为原始字节
func DecodeInbound(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

// EncodeOutbound 重采样 PCM16 并以小端字节的 base64 返回
func EncodeOutbound(samples []int16, fromRate, toRate int) (string, error) {
	resampled, err := Resample(samples, fromRate, toRate)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(PCM16Bytes(resampled)), nil
}

// TranscodeMuLaw 将一帧合成的 mu-law 音频转为 toRate 采样率的 base64 PCM16
func TranscodeMuLaw(frame []byte, fromRate, toRate int) (string, error) {
	if len(frame) == 0 {
		return "", fmt.Errorf("%w: empty frame", ErrInvalidPayload)
	}
	return EncodeOutbound(MuLawToPCM16(frame), fromRate, toRate)
}

// PCM16Bytes 将采样序列化为小端字节
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 解析小端 PCM16 字节
func BytesToPCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}
