package audio

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestMuLawRoundTripIsStable(t *testing.T) {
	for u := 0; u < 256; u++ {
		b := byte(u)
		if b == 0x7F {
			// negative zero collapses onto 0xFF
			continue
		}
		got := encodeMuLaw(decodeMuLaw(b))
		assert.Equalf(t, b, got, "mu-law byte %#x", b)
	}
}

func TestMuLawKnownValues(t *testing.T) {
	assert.Equal(t, int16(0), decodeMuLaw(0xFF))
	assert.Equal(t, int16(32124), decodeMuLaw(0x80))
	assert.Equal(t, int16(-32124), decodeMuLaw(0x00))
	assert.Equal(t, byte(0xFF), encodeMuLaw(0))
	assert.Equal(t, byte(0x80), encodeMuLaw(math.MaxInt16))
}

func TestEncodeOutboundIdentityWhenRatesMatch(t *testing.T) {
	original := sine(160, TelephonyRate, 440, 12000)
	inbound := base64.StdEncoding.EncodeToString(PCM16ToMuLaw(original))

	raw, err := DecodeInbound(inbound)
	require.NoError(t, err)

	payload, err := EncodeOutbound(MuLawToPCM16(raw), TelephonyRate, TelephonyRate)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	samples, err := BytesToPCM16(decoded)
	require.NoError(t, err)
	require.Len(t, samples, len(original))

	for i, s := range samples {
		diff := math.Abs(float64(s) - float64(original[i]))
		tolerance := math.Abs(float64(original[i]))/16 + 16
		assert.LessOrEqualf(t, diff, tolerance, "sample %d: got %d want ~%d", i, s, original[i])
	}
}

func TestResampleDoublesLength(t *testing.T) {
	in := sine(800, 8000, 300, 8000)

	out, err := Resample(in, 8000, 16000)
	require.NoError(t, err)
	assert.InDelta(t, 2*len(in), len(out), float64(2*resampleQuality+2))

	var peak int16
	for _, s := range out {
		if s > peak {
			peak = s
		}
	}
	assert.InDelta(t, 8000, float64(peak), 800, "resampling should keep the amplitude")
}

func TestResampleRejectsInvalidRates(t *testing.T) {
	_, err := Resample([]int16{1, 2, 3}, 0, 16000)
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestDecodeInboundRejectsMalformedBase64(t *testing.T) {
	_, err := DecodeInbound("not base64!!")
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTranscodeMuLaw(t *testing.T) {
	frame := PCM16ToMuLaw(sine(160, 8000, 440, 10000))

	payload, err := TranscodeMuLaw(frame, 8000, 16000)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.InDelta(t, 160*2*2, len(decoded), float64(4*(2*resampleQuality+2)))

	_, err = TranscodeMuLaw(nil, 8000, 16000)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestBytesToPCM16OddLength(t *testing.T) {
	_, err := BytesToPCM16([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrOddLength)
}
