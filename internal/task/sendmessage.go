package task

import (
	"context"
	"fmt"

	"checkinbot/internal/classify"
	"checkinbot/internal/conversation"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

// SendMessageHandler posts a fixed message to the target and does not wait
// for a reply.
type SendMessageHandler struct {
	Dialer kit.Dialer
	Log    logx.Logger
}

func (h *SendMessageHandler) Kind() Kind { return KindSendMessage }

func (h *SendMessageHandler) Execute(ctx context.Context, def *Definition) (Result, error) {
	p := def.Send
	if p == nil {
		return Result{}, fmt.Errorf("task %s: missing send params", def.ID)
	}

	sess, err := h.Dialer.Session(def.Account)
	if err != nil {
		return Result{Category: classify.CategoryError, Detail: err.Error()}, err
	}

	o := conversation.Orchestrator{Log: h.Log.With(logx.String("task", def.Name))}
	out := o.Run(ctx, sess, def.Target, conversation.Spec{
		Command:       p.Message,
		FireAndForget: true,
	})

	return Result{
		Category:   out.Category,
		Detail:     out.Detail,
		Transcript: out.Transcript,
	}, nil
}
