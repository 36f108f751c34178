// Package content holds the configurable conversation content: the welcome
// menu, navigation shortcuts attached to bot replies, canned prompt
// suggestions and voice hints.
package content

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultIntent is the shortcut table key used when no intent matches.
const DefaultIntent = "default"

type QuickReply struct {
	Title string `yaml:"title" json:"title"`
	Value string `yaml:"value" json:"value"`
}

type Action struct {
	Title string `yaml:"title" json:"title"`
	URL   string `yaml:"url" json:"url"`
}

type Welcome struct {
	Text         string       `yaml:"text"`
	QuickReplies []QuickReply `yaml:"quick_replies"`
}

// Notices are system messages shown when something goes wrong.
type Notices struct {
	CompletionFailed string `yaml:"completion_failed"`
	CaptureFailed    string `yaml:"capture_failed"`
}

// Content is the whole table. Shortcuts is keyed by intent.
type Content struct {
	Welcome     Welcome             `yaml:"welcome"`
	Shortcuts   map[string][]Action `yaml:"shortcuts"`
	Suggestions []string            `yaml:"suggestions"`
	VoiceHints  []string            `yaml:"voice_hints"`
	Notices     Notices             `yaml:"notices"`
}

// Default returns the built-in content shipped with the mobile app.
func Default() Content {
	return Content{
		Welcome: Welcome{
			Text: "안녕하세요. OOO님!\nAI 챗봇이에요.\n무엇을 도와드릴까요?",
			QuickReplies: []QuickReply{
				{Title: "나의 건강상태", Value: "yes"},
				{Title: "나에게 맞는 영양제", Value: "no"},
				{Title: "나의 분석결과", Value: "yes"},
				{Title: "복용중인 약", Value: "no"},
				{Title: "챌린지", Value: "yes"},
				{Title: "마이페이지", Value: "no"},
				{Title: "맞춤형 케어", Value: "yes"},
			},
		},
		Shortcuts: map[string][]Action{
			DefaultIntent: {
				{Title: "건강상태 한눈에 보기", URL: "https://naver.com"},
				{Title: "나의 건강노트", URL: "https://naver.com"},
				{Title: "나의 복약관리", URL: "https://naver.com"},
			},
		},
		Suggestions: []string{
			"스트레스 자가진단 해보기",
			"나의 스트레스 발생원인 보기",
			"나의 스트레스 맞춤 추천 제품 보기",
			"스트레스 / 심박수 측정하기",
			"나의 건강검진 보기",
			"셀프건강체크 하기",
		},
		VoiceHints: []string{
			"나의 건강상태 알려줘",
			"오늘 약 뭐 먹는지 알려줘",
			"영양제 추천해줘",
		},
		Notices: Notices{
			CompletionFailed: "죄송해요. 지금은 답변을 가져오지 못했어요. 잠시 후 다시 시도해 주세요.",
			CaptureFailed:    "음성 인식을 시작하지 못했어요. 다시 시도해 주세요.",
		},
	}
}

// Load reads a YAML content file. Sections missing from the file keep
// their defaults; an empty path returns Default().
func Load(path string) (Content, error) {
	c := Default()
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Content{}, errors.Wrap(err, "read content file")
	}
	var file Content
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Content{}, errors.Wrapf(err, "parse content file %s", path)
	}

	if file.Welcome.Text != "" {
		c.Welcome.Text = file.Welcome.Text
	}
	if len(file.Welcome.QuickReplies) > 0 {
		c.Welcome.QuickReplies = file.Welcome.QuickReplies
	}
	for intent, actions := range file.Shortcuts {
		c.Shortcuts[intent] = actions
	}
	if len(file.Suggestions) > 0 {
		c.Suggestions = file.Suggestions
	}
	if len(file.VoiceHints) > 0 {
		c.VoiceHints = file.VoiceHints
	}
	if file.Notices.CompletionFailed != "" {
		c.Notices.CompletionFailed = file.Notices.CompletionFailed
	}
	if file.Notices.CaptureFailed != "" {
		c.Notices.CaptureFailed = file.Notices.CaptureFailed
	}
	return c, nil
}

// ShortcutsFor resolves the actions for an intent, falling back to the
// default entry. The returned slice is a copy.
func (c Content) ShortcutsFor(intent string) []Action {
	actions, ok := c.Shortcuts[strings.TrimSpace(intent)]
	if !ok || intent == "" {
		actions = c.Shortcuts[DefaultIntent]
	}
	if len(actions) == 0 {
		return nil
	}
	return append([]Action(nil), actions...)
}
