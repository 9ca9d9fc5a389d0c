package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"checkinbot/internal/captcha"
	"checkinbot/internal/classify"
	kit "checkinbot/internal/transport"
)

// fakeSession scripts a peer: every Send triggers the queued replies.
type fakeSession struct {
	mu      sync.Mutex
	sent    []string
	replies []kit.Inbound
	sendErr error
	photo   []byte

	subCh chan kit.Inbound
}

func newFakeSession(replies ...kit.Inbound) *fakeSession {
	return &fakeSession{replies: replies, subCh: make(chan kit.Inbound, 32)}
}

func (f *fakeSession) Account() string { return "acc1" }

func (f *fakeSession) Send(_ context.Context, _ kit.Peer, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	// First send releases the scripted replies.
	if len(f.sent) == 1 {
		for _, r := range f.replies {
			f.subCh <- r
		}
	}
	return nil
}

func (f *fakeSession) Reply(ctx context.Context, peer kit.Peer, _ int, text string) error {
	return f.Send(ctx, peer, text)
}

func (f *fakeSession) Subscribe(kit.Peer, int) (<-chan kit.Inbound, func()) {
	return f.subCh, func() {}
}

func (f *fakeSession) DownloadPhoto(context.Context, kit.Inbound) ([]byte, error) {
	if f.photo == nil {
		return nil, errors.New("no photo")
	}
	return f.photo, nil
}

func (f *fakeSession) Recent(kit.Peer, time.Duration, int) []kit.Inbound { return nil }

func (f *fakeSession) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type scriptedAI struct{ reply string }

func (s scriptedAI) Complete(context.Context, string, []byte) (string, error) {
	return s.reply, nil
}

func quickSpec() Spec {
	return Spec{
		Command:      "/checkin",
		ReplyTimeout: 2 * time.Second,
		Rules:        classify.MustCompileRuleSet(classify.DefaultRuleSetConfig()),
	}
}

func TestRunSuccessWithExtraction(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(kit.Inbound{ID: 1, Peer: "bot", Text: "签到成功 +15积分"})

	var o Orchestrator
	out := o.Run(context.Background(), sess, "bot", quickSpec())

	if out.State != StateDone {
		t.Fatalf("State = %s, want done (detail: %s)", out.State, out.Detail)
	}
	if out.Category != classify.CategorySuccess {
		t.Fatalf("Category = %s, want success", out.Category)
	}
	if out.Extracted != "15" {
		t.Fatalf("Extracted = %q, want 15", out.Extracted)
	}
	if got := sess.sentMessages(); len(got) != 1 || got[0] != "/checkin" {
		t.Fatalf("sent = %v", got)
	}
}

func TestRunMultiPartReply(t *testing.T) {
	t.Parallel()
	// Noise, then an ignorable system message, then the decisive reply.
	sess := newFakeSession(
		kit.Inbound{ID: 1, Peer: "bot", Text: "正在处理..."},
		kit.Inbound{ID: 2, Peer: "bot", Text: "会话已取消"},
		kit.Inbound{ID: 3, Peer: "bot", Text: "今日已签到"},
	)

	var o Orchestrator
	out := o.Run(context.Background(), sess, "bot", quickSpec())

	if out.Category != classify.CategoryAlreadyDone {
		t.Fatalf("Category = %s, want already_done (detail: %s)", out.Category, out.Detail)
	}
}

func TestRunTimeoutNoReply(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()

	spec := quickSpec()
	spec.ReplyTimeout = 50 * time.Millisecond

	var o Orchestrator
	out := o.Run(context.Background(), sess, "bot", spec)

	if out.State != StateTimedOut {
		t.Fatalf("State = %s, want timed_out", out.State)
	}
	if out.Category != classify.CategoryTimeout {
		t.Fatalf("Category = %s, want timeout", out.Category)
	}
}

func TestRunUnclassifiedRepliesReportedDistinctly(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(kit.Inbound{ID: 1, Peer: "bot", Text: "你好，有什么可以帮你？"})

	spec := quickSpec()
	spec.ReplyTimeout = 100 * time.Millisecond

	var o Orchestrator
	out := o.Run(context.Background(), sess, "bot", spec)

	if out.Category != classify.CategoryUnclassified {
		t.Fatalf("Category = %s, want unclassified", out.Category)
	}
}

func TestRunSendError(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	sess.sendErr = errors.New("flood wait")

	var o Orchestrator
	out := o.Run(context.Background(), sess, "bot", quickSpec())

	if out.State != StateErrored {
		t.Fatalf("State = %s, want errored", out.State)
	}
	if out.Category != classify.CategoryError {
		t.Fatalf("Category = %s, want error", out.Category)
	}
	if !strings.Contains(out.Detail, "flood wait") {
		t.Fatalf("Detail = %q, want transport error detail", out.Detail)
	}
}

func TestRunFireAndForget(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()

	spec := Spec{Command: "good morning", FireAndForget: true}
	var o Orchestrator
	out := o.Run(context.Background(), sess, "peer", spec)

	if out.State != StateDone || out.Category != classify.CategorySuccess {
		t.Fatalf("out = %+v, want done/success", out)
	}
}

func TestRunCaptchaRoundTrip(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(
		kit.Inbound{ID: 1, Peer: "bot", Text: "请选择图片内容", Photo: true, Buttons: []string{"猫", "狗", "鱼"}},
	)
	sess.photo = []byte{0xff, 0xd8}

	spec := quickSpec()
	spec.ReplyTimeout = 15 * time.Second
	spec.UseAI = true
	spec.CaptchaHasImage = true
	spec.CaptchaButtons = true

	o := Orchestrator{Resolver: &captcha.Resolver{AI: scriptedAI{reply: "我选狗"}}}

	done := make(chan Outcome, 1)
	go func() { done <- o.Run(context.Background(), sess, "bot", spec) }()

	// Wait until the captcha answer went out (the orchestrator pauses a few
	// seconds before answering), then deliver the result.
	deadline := time.After(10 * time.Second)
	for {
		if msgs := sess.sentMessages(); len(msgs) >= 2 {
			if msgs[1] != "狗" {
				t.Fatalf("captcha answer = %q, want 狗", msgs[1])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("captcha answer was never sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sess.subCh <- kit.Inbound{ID: 2, Peer: "bot", Text: "签到成功 +5积分"}

	out := <-done
	if out.Category != classify.CategorySuccess {
		t.Fatalf("Category = %s, want success (detail: %s)", out.Category, out.Detail)
	}
	if out.Extracted != "5" {
		t.Fatalf("Extracted = %q, want 5", out.Extracted)
	}
}

func TestRunCaptchaFailureSurfaces(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(
		kit.Inbound{ID: 1, Peer: "bot", Text: "请选择", Buttons: []string{"猫", "狗"}},
	)

	spec := quickSpec()
	spec.UseAI = true
	spec.CaptchaButtons = true

	o := Orchestrator{Resolver: &captcha.Resolver{AI: scriptedAI{reply: "大象"}}}
	out := o.Run(context.Background(), sess, "bot", spec)

	if out.State != StateErrored {
		t.Fatalf("State = %s, want errored (detail: %s)", out.State, out.Detail)
	}
	if !strings.Contains(out.Detail, "captcha") {
		t.Fatalf("Detail = %q, want captcha error", out.Detail)
	}
}
