// Package captcha resolves interactive verification challenges (image or
// button based) through the AI capability. It is transport-independent: the
// orchestrator hands it a rendered challenge and sends the answer itself.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"checkinbot/internal/ai"
)

// Kind tags the shape of a challenge.
type Kind string

const (
	KindImage   Kind = "image"
	KindText    Kind = "text"
	KindButtons Kind = "buttons"
)

// Challenge is transient: it exists only for the duration of one resolution
// call and is never persisted beyond the transcript.
type Challenge struct {
	Kind    Kind
	Prompt  string   // rendered text content (caption, question)
	Image   []byte   // optional image payload
	Options []string // candidate labels when buttons are present
}

// ErrNoMatch means the AI replied but its answer could not be mapped to any
// candidate option.
var ErrNoMatch = errors.New("captcha: no matching option")

// Resolver asks the AI capability to answer a challenge.
type Resolver struct {
	AI ai.Client
}

// Resolve returns the chosen option label (buttons) or a short free-text
// answer. A failure is surfaced, not retried internally: the caller's retry
// budget owns that decision.
func (r *Resolver) Resolve(ctx context.Context, ch Challenge) (string, error) {
	if r == nil || r.AI == nil {
		return "", errors.New("captcha: no ai client configured")
	}

	prompt := buildPrompt(ch)
	answer, err := r.AI.Complete(ctx, prompt, ch.Image)
	if err != nil {
		return "", fmt.Errorf("captcha: %w", err)
	}
	answer = normalize(answer)
	if answer == "" {
		return "", ErrNoMatch
	}

	if len(ch.Options) == 0 {
		return answer, nil
	}
	if match := BestMatch(answer, ch.Options); match != "" {
		return match, nil
	}
	return "", ErrNoMatch
}

func buildPrompt(ch Challenge) string {
	var b strings.Builder
	b.WriteString("请识别图片中的内容")
	if ch.Image == nil {
		b.Reset()
		b.WriteString("请阅读以下问题")
	}
	if len(ch.Options) > 0 {
		b.WriteString("，并从以下选项中选择最匹配的答案。\n")
		b.WriteString("选项: ")
		b.WriteString(strings.Join(ch.Options, ", "))
		b.WriteString("\n只需要回复选项内容，不要解释。")
	} else {
		b.WriteString("，只回复答案本身，不要解释。")
	}
	if p := strings.TrimSpace(ch.Prompt); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	return b.String()
}

// normalize strips surrounding quotes/markup the model tends to add.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`“”‘’「」【】*")
	return strings.TrimSpace(s)
}

// BestMatch maps an AI answer onto one of the candidate labels.
// Order of preference: exact (case-folded) match, containment either way,
// then the same two passes over emoji/mark-stripped text. Returns "" when
// nothing matches.
func BestMatch(answer string, options []string) string {
	if answer == "" || len(options) == 0 {
		return ""
	}

	ansLower := strings.ToLower(strings.TrimSpace(answer))
	for _, opt := range options {
		if strings.ToLower(strings.TrimSpace(opt)) == ansLower {
			return opt
		}
	}
	for _, opt := range options {
		optLower := strings.ToLower(opt)
		if strings.Contains(optLower, ansLower) || strings.Contains(ansLower, optLower) {
			return opt
		}
	}

	ansClean := CleanText(answer)
	if ansClean == "" {
		return ""
	}
	for _, opt := range options {
		optClean := CleanText(opt)
		if optClean == "" {
			continue
		}
		if optClean == ansClean ||
			strings.Contains(optClean, ansClean) ||
			strings.Contains(ansClean, optClean) {
			return opt
		}
	}
	return ""
}

// CleanText removes symbols (emoji), combining marks and spaces, and lowers
// the rest. Button labels often carry decorative emoji that the model drops
// or rewrites; comparing cleaned text sidesteps that.
func CleanText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.In(r, unicode.So, unicode.Mn, unicode.Mc, unicode.Me) {
			continue
		}
		if r == ' ' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
