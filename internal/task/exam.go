package task

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"checkinbot/internal/ai"
	"checkinbot/internal/classify"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

// ExamAssistantHandler scans recent messages in the target chat for
// exam-style questions and answers them with the AI provider. Answers are
// sent back only when auto_reply is enabled.
type ExamAssistantHandler struct {
	Dialer kit.Dialer
	AI     ai.Client
	Log    logx.Logger

	Rand *rand.Rand // optional; tests may pin it
}

func (h *ExamAssistantHandler) Kind() Kind { return KindExamAssistant }

func (h *ExamAssistantHandler) Execute(ctx context.Context, def *Definition) (Result, error) {
	p := def.Exam
	if p == nil {
		return Result{}, fmt.Errorf("task %s: missing exam params", def.ID)
	}
	if h.AI == nil {
		return Result{Category: classify.CategoryFailure, Detail: "ai provider not configured"},
			fmt.Errorf("task %s: exam_assistant requires an AI provider", def.ID)
	}

	sess, err := h.Dialer.Session(def.Account)
	if err != nil {
		return Result{Category: classify.CategoryError, Detail: err.Error()}, err
	}

	log := h.Log.With(logx.String("task", def.Name))

	lookback := time.Duration(p.LookbackSeconds) * time.Second
	recent := sess.Recent(def.Target, lookback, p.MaxMessages)

	processed, replied := 0, 0
	var transcript []string
	for _, msg := range recent {
		text := strings.TrimSpace(msg.Text)
		// Very short messages carry no question.
		if len([]rune(text)) < 5 {
			continue
		}
		if !containsAny(text, p.Keywords) {
			continue
		}
		if containsAny(text, p.ExcludeKeywords) {
			continue
		}

		log.Info("question found", logx.String("text", head(text, 80)))

		answer, err := h.AI.Complete(ctx, renderPrompt(p.PromptTemplate, text), nil)
		if err != nil {
			log.Warn("answer generation failed", logx.Err(err))
			continue
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			continue
		}

		processed++
		transcript = append(transcript, "? "+head(text, 100), "= "+head(answer, 200))

		if p.AutoReply {
			if err := h.pause(ctx, p.ReplyDelayMin, p.ReplyDelayMax); err != nil {
				return Result{Category: classify.CategoryError, Detail: err.Error(), Transcript: transcript}, nil
			}
			if err := sess.Reply(ctx, msg.Peer, msg.ID, head(answer, 4000)); err != nil {
				log.Warn("reply failed", logx.Err(err))
				continue
			}
			replied++
		}
	}

	return Result{
		Category:   classify.CategorySuccess,
		Detail:     fmt.Sprintf("processed %d questions, replied %d", processed, replied),
		Transcript: transcript,
	}, nil
}

func (h *ExamAssistantHandler) pause(ctx context.Context, minSec, maxSec float64) error {
	if maxSec < minSec {
		maxSec = minSec
	}
	span := maxSec - minSec
	var f float64
	if h.Rand != nil {
		f = h.Rand.Float64()
	} else {
		f = rand.Float64()
	}
	d := time.Duration((minSec + f*span) * float64(time.Second))
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func renderPrompt(template, question string) string {
	if template == "" {
		return question
	}
	if strings.Contains(template, "{question}") {
		return strings.ReplaceAll(template, "{question}", question)
	}
	return strings.TrimRight(template, " \n") + "\n\n" + question
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
