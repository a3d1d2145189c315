package conversation

import (
	"strings"
	"unicode/utf8"
)

// BargeInPolicy 判断识别片段是否打断面试官
type BargeInPolicy struct {
	Enabled  bool
	MinChars int
}

func DefaultBargeInPolicy() BargeInPolicy {
	return BargeInPolicy{Enabled: true, MinChars: 1}
}

// ShouldInterrupt 片段足够长时视为候选人插话
func (p BargeInPolicy) ShouldInterrupt(fragment string) bool {
	if !p.Enabled {
		return false
	}

	minChars := p.MinChars
	if minChars < 1 {
		minChars = 1
	}
	return utf8.RuneCountInString(strings.TrimSpace(fragment)) >= minChars
}
