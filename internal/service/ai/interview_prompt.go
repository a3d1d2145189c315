package ai

import (
	"fmt"
	"strings"
)

// DefaultTimeLimitMinutes 客户端未指定时的面试时长上限
const DefaultTimeLimitMinutes = 15

// InterviewTemplate 内置面试官提示词模板结构
type InterviewTemplate struct {
	Role           string
	OpeningHint    string
	InterviewRules []string
	SpeechRules    []string
}

// defaultInterviewTemplate 客户端未提供系统提示词时使用
var defaultInterviewTemplate = InterviewTemplate{
	Role:        `You are a friendly, professional research interviewer conducting a spoken, one-on-one interview.`,
	OpeningHint: "Greet the candidate by name, explain briefly what the interview covers, and ask the first question.",
	InterviewRules: []string{
		"Ask exactly one question at a time and wait for the answer",
		"Cover the sections in order and move on once a section is answered well enough",
		"Ask a short follow-up question when an answer is vague",
		"Each candidate message starts with the elapsed time, use it to pace the interview",
		"When the time limit is reached, thank the candidate and close the interview",
	},
	SpeechRules: []string{
		"Your replies are read aloud, so keep them under three sentences",
		"Do not use lists, markdown, emojis or stage directions",
	},
}

// BuildInterviewPrompt 根据候选人与面试环节生成系统提示词
func BuildInterviewPrompt(candidate string, sections []string, timeLimitMinutes int) string {
	tpl := defaultInterviewTemplate

	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		candidate = "the candidate"
	}
	if timeLimitMinutes <= 0 {
		timeLimitMinutes = DefaultTimeLimitMinutes
	}

	var sectionList string
	cleaned := make([]string, 0, len(sections))
	for _, section := range sections {
		if section = strings.TrimSpace(section); section != "" {
			cleaned = append(cleaned, section)
		}
	}
	if len(cleaned) == 0 {
		sectionList = "- General background and experience"
	} else {
		sectionList = "- " + strings.Join(cleaned, "\n- ")
	}

	return fmt.Sprintf(`%s

Candidate: %s
Time limit: %d minutes

Sections:
%s

Interview rules:
- %s

Speaking style:
- %s

Opening: %s`,
		tpl.Role,
		candidate,
		timeLimitMinutes,
		sectionList,
		strings.Join(tpl.InterviewRules, "\n- "),
		strings.Join(tpl.SpeechRules, "\n- "),
		tpl.OpeningHint,
	)
}
