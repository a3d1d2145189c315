package audio

import (
	"fmt"
	"math"

	"github.com/faiface/beep"
)

// resampleQuality beep 插值时每侧参考的相邻采样数
const resampleQuality = 3

// monoStreamer 把单声道 int16 采样作为立体声浮点流交给 beep
type monoStreamer struct {
	data []int16
	pos  int
}

func (s *monoStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		if s.pos >= len(s.data) {
			return i, i > 0
		}
		val := float64(s.data[s.pos]) / 32768.0
		samples[i][0] = val
		samples[i][1] = val
		s.pos++
	}
	return len(samples), true
}

func (s *monoStreamer) Err() error { return nil }

// Resample 将采样从 fromRate 转换到 toRate；采样率相同时返回副本
func Resample(samples []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, fromRate, toRate)
	}
	if fromRate == toRate || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}

	resampler := beep.Resample(resampleQuality, beep.SampleRate(fromRate), beep.SampleRate(toRate), &monoStreamer{data: samples})

	expected := int(math.Ceil(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	out := make([]int16, 0, expected)
	buf := make([][2]float64, 512)

	for {
		n, ok := resampler.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, toInt16((buf[i][0]+buf[i][1])/2))
		}
		if !ok {
			break
		}
	}

	if err := resampler.Err(); err != nil {
		return nil, fmt.Errorf("resample %d -> %d: %w", fromRate, toRate, err)
	}
	return out, nil
}

func toInt16(v float64) int16 {
	scaled := math.Round(v * 32768)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}
