package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"checkinbot/internal/eventbus"
	"checkinbot/internal/task/engine"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

type memSession struct {
	mu   sync.Mutex
	sent []string
}

func (m *memSession) Account() string { return "op" }
func (m *memSession) Send(_ context.Context, _ kit.Peer, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, text)
	m.mu.Unlock()
	return nil
}
func (m *memSession) Reply(ctx context.Context, p kit.Peer, _ int, text string) error {
	return m.Send(ctx, p, text)
}
func (m *memSession) Subscribe(kit.Peer, int) (<-chan kit.Inbound, func()) {
	return make(chan kit.Inbound), func() {}
}
func (m *memSession) DownloadPhoto(context.Context, kit.Inbound) ([]byte, error) { return nil, nil }
func (m *memSession) Recent(kit.Peer, time.Duration, int) []kit.Inbound          { return nil }

func (m *memSession) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type memDialer struct{ sess *memSession }

func (d *memDialer) Session(string) (kit.Session, error) { return d.sess, nil }
func (d *memDialer) Close(context.Context) error         { return nil }

func startService(t *testing.T, cfg Config, bus eventbus.Bus) *memSession {
	t.Helper()
	sess := &memSession{}
	cfg.Enabled = true
	cfg.Account = "op"
	cfg.Chat = "ops-chat"
	s := New(cfg, &memDialer{sess: sess}, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return sess
}

func finished(taskID, outcome, detail string, attempts int) eventbus.Event {
	return eventbus.Event{Type: "execution.finished", Time: time.Now(), Data: engine.ExecutionEvent{
		ExecutionID: "e-" + taskID,
		TaskID:      taskID,
		TaskName:    taskID,
		Outcome:     outcome,
		Detail:      detail,
		Attempts:    attempts,
	}}
}

func waitSent(t *testing.T, sess *memSession, want int) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		got := sess.messages()
		if len(got) >= want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("sent %d messages, want %d", len(got), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFailureNotified(t *testing.T) {
	bus := eventbus.New()
	sess := startService(t, Config{RatePerSec: 100}, bus)

	bus.Publish(finished("daily", "failure", "timeout: no reply", 3))

	got := waitSent(t, sess, 1)
	if !strings.Contains(got[0], "daily") || !strings.Contains(got[0], "after 3 attempts") {
		t.Fatalf("message = %q", got[0])
	}
	if !strings.Contains(got[0], "timeout: no reply") {
		t.Fatalf("message lacks detail: %q", got[0])
	}
}

func TestSuccessSilentByDefault(t *testing.T) {
	bus := eventbus.New()
	sess := startService(t, Config{RatePerSec: 100}, bus)

	bus.Publish(finished("daily", "success", "", 1))
	bus.Publish(finished("daily", "failure", "boom", 1))

	got := waitSent(t, sess, 1)
	time.Sleep(50 * time.Millisecond)
	got = sess.messages()
	if len(got) != 1 || strings.Contains(got[0], "✅") {
		t.Fatalf("messages = %v", got)
	}
}

func TestSuccessNotifiedWhenEnabled(t *testing.T) {
	bus := eventbus.New()
	sess := startService(t, Config{RatePerSec: 100, NotifySuccess: true}, bus)

	bus.Publish(finished("daily", "success", "", 1))

	got := waitSent(t, sess, 1)
	if !strings.Contains(got[0], "✅") {
		t.Fatalf("message = %q", got[0])
	}
}

func TestAccountErrorMessage(t *testing.T) {
	bus := eventbus.New()
	sess := startService(t, Config{RatePerSec: 100}, bus)

	bus.Publish(finished("daily", "account_error", "账号被封禁", 1))

	got := waitSent(t, sess, 1)
	if !strings.Contains(got[0], "account problem") || !strings.Contains(got[0], "账号被封禁") {
		t.Fatalf("message = %q", got[0])
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	bus := eventbus.New()
	sess := startService(t, Config{RatePerSec: 100, DedupWindow: time.Hour}, bus)

	for i := 0; i < 5; i++ {
		bus.Publish(finished("daily", "failure", "boom", 1))
	}
	// Different outcome key is not suppressed.
	bus.Publish(finished("daily", "account_error", "banned", 1))

	got := waitSent(t, sess, 2)
	time.Sleep(50 * time.Millisecond)
	got = sess.messages()
	if len(got) != 2 {
		t.Fatalf("messages = %v, want 2 (one per outcome)", got)
	}
}
