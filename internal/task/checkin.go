package task

import (
	"context"
	"fmt"
	"time"

	"checkinbot/internal/captcha"
	"checkinbot/internal/classify"
	"checkinbot/internal/conversation"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

// CheckinHandler drives one check-in conversation against a target bot.
type CheckinHandler struct {
	Dialer   kit.Dialer
	Resolver *captcha.Resolver
	Log      logx.Logger
}

func (h *CheckinHandler) Kind() Kind { return KindBotCheckin }

func (h *CheckinHandler) Execute(ctx context.Context, def *Definition) (Result, error) {
	p := def.Checkin
	if p == nil {
		return Result{}, fmt.Errorf("task %s: missing checkin params", def.ID)
	}

	sess, err := h.Dialer.Session(def.Account)
	if err != nil {
		return Result{Category: classify.CategoryError, Detail: err.Error()}, err
	}

	spec := conversation.Spec{
		Command:         p.Command,
		DelayMin:        secs(p.RandomDelayMin),
		DelayMax:        secs(p.RandomDelayMax),
		ReplyTimeout:    time.Duration(p.TimeoutSeconds) * time.Second,
		UseAI:           p.UseAI,
		CaptchaHasImage: p.CaptchaHasImage,
		CaptchaButtons:  p.CaptchaButtons,
		Rules:           p.Rules,
	}

	o := conversation.Orchestrator{
		Resolver: h.Resolver,
		Log:      h.Log.With(logx.String("task", def.Name)),
	}
	out := o.Run(ctx, sess, def.Target, spec)

	return Result{
		Category:   out.Category,
		Extracted:  out.Extracted,
		Detail:     out.Detail,
		Transcript: out.Transcript,
	}, nil
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
