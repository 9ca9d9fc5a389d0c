// Package conversation drives one bounded, classified exchange with a target
// peer: send the command, collect replies inside the timeout window, route
// captcha challenges through the resolver, classify incrementally, and
// produce a single outcome.
//
// The flow is an explicit state machine driven by a cancellable message
// stream, so timeout and shutdown are enforced in one place instead of being
// scattered across callbacks.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"checkinbot/internal/captcha"
	"checkinbot/internal/classify"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

// State names the orchestrator's position in the exchange.
type State string

const (
	StateIdle          State = "idle"
	StateSending       State = "sending"
	StateAwaitingReply State = "awaiting_reply"
	StateResolving     State = "resolving"
	StateClassifying   State = "classifying"
	StateDone          State = "done"
	StateTimedOut      State = "timed_out"
	StateErrored       State = "errored"
)

// Spec is everything the orchestrator needs to run one exchange.
type Spec struct {
	Command string

	// Random pre-send delay bounds; spreads traffic so fires don't land on a
	// detectable fixed cadence.
	DelayMin time.Duration
	DelayMax time.Duration

	// ReplyTimeout bounds the whole reply-collection window, captcha
	// round-trips included.
	ReplyTimeout time.Duration

	UseAI           bool
	CaptchaHasImage bool
	CaptchaButtons  bool

	Rules classify.RuleSet

	// FireAndForget skips the reply window entirely (send_message tasks).
	FireAndForget bool
}

// Outcome is the terminal result of one exchange.
type Outcome struct {
	State      State
	Category   classify.Category
	Extracted  string
	Transcript []string
	Detail     string
}

// Orchestrator runs exchanges. Zero value needs at least a Resolver when
// captcha specs are used; Log and Rand default to safe values.
type Orchestrator struct {
	Resolver *captcha.Resolver
	Log      logx.Logger
	Rand     *rand.Rand // optional; nil uses the global source
}

var errNoResolver = errors.New("conversation: captcha encountered but no resolver configured")

// Run executes one exchange. The passed context carries the whole-attempt
// budget (max_runtime_seconds); Run layers the spec's reply timeout on top.
//
// Concurrent exchanges on the same session are a scheduling bug; the caller's
// account lock prevents them.
func (o *Orchestrator) Run(ctx context.Context, sess kit.Session, peer kit.Peer, spec Spec) Outcome {
	log := o.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("peer", string(peer)))

	out := Outcome{State: StateSending}

	// Subscribe before sending so the reply can't slip past us. For
	// fire-and-forget there is nothing to collect.
	var replies <-chan kit.Inbound
	if !spec.FireAndForget {
		ch, unsub := sess.Subscribe(peer, 32)
		defer unsub()
		replies = ch
	}

	if err := o.sleep(ctx, o.randomDelay(spec.DelayMin, spec.DelayMax)); err != nil {
		return o.errored(out, "canceled before send", err)
	}

	if err := sess.Send(ctx, peer, spec.Command); err != nil {
		return o.errored(out, "transport send failed", err)
	}
	out.Transcript = append(out.Transcript, "-> "+spec.Command)
	log.Debug("command sent", logx.String("command", spec.Command))

	if spec.FireAndForget {
		out.State = StateDone
		out.Category = classify.CategorySuccess
		return out
	}

	out.State = StateAwaitingReply
	timeout := spec.ReplyTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return o.errored(out, "execution canceled", ctx.Err())
			}
			// The window closed. Replies that never classified are reported
			// distinctly from silence: a later message might have carried the
			// decisive keyword, and the operator should see the difference.
			if len(out.Transcript) > 1 {
				out.State = StateTimedOut
				out.Category = classify.CategoryUnclassified
				out.Detail = "no decisive reply within timeout"
			} else {
				out.State = StateTimedOut
				out.Category = classify.CategoryTimeout
				out.Detail = fmt.Sprintf("no reply within %s", timeout)
			}
			return out

		case msg := <-replies:
			text := strings.TrimSpace(msg.Text)
			out.Transcript = append(out.Transcript, "<- "+text)
			log.Debug("reply received", logx.String("text", truncate(text, 120)))

			// Explicitly ignorable noise never triggers captcha handling.
			if spec.Rules.Ignore.Match(text) {
				continue
			}

			if spec.UseAI && o.looksLikeCaptcha(spec, msg) {
				out.State = StateResolving
				answer, err := o.resolveCaptcha(waitCtx, sess, msg, spec)
				if err != nil {
					return o.errored(out, "captcha_error", err)
				}
				out.Transcript = append(out.Transcript, "-> [captcha] "+answer)
				log.Info("captcha answered", logx.String("answer", answer))
				// Post-captcha result arrives on the same stream; the same
				// window keeps counting.
				out.State = StateAwaitingReply
				continue
			}

			out.State = StateClassifying
			res := classify.Classify(text, spec.Rules)
			if !res.Category.Terminal() {
				out.State = StateAwaitingReply
				continue
			}

			out.State = StateDone
			out.Category = res.Category
			out.Extracted = res.Extracted
			return out
		}
	}
}

func (o *Orchestrator) resolveCaptcha(ctx context.Context, sess kit.Session, msg kit.Inbound, spec Spec) (string, error) {
	if o.Resolver == nil {
		return "", errNoResolver
	}

	ch := captcha.Challenge{
		Kind:    captcha.KindText,
		Prompt:  msg.Text,
		Options: msg.Buttons,
	}
	if len(msg.Buttons) > 0 {
		ch.Kind = captcha.KindButtons
	}
	if msg.Photo {
		ch.Kind = captcha.KindImage
		img, err := sess.DownloadPhoto(ctx, msg)
		if err != nil {
			return "", fmt.Errorf("download challenge image: %w", err)
		}
		ch.Image = img
	}

	answer, err := o.Resolver.Resolve(ctx, ch)
	if err != nil {
		return "", err
	}

	// Small human-ish pause before answering.
	if err := o.sleep(ctx, o.randomDelay(time.Second, 3*time.Second)); err != nil {
		return "", err
	}
	if err := sess.Reply(ctx, msg.Peer, msg.ID, answer); err != nil {
		return "", fmt.Errorf("send captcha answer: %w", err)
	}
	return answer, nil
}

// looksLikeCaptcha combines the task's captcha flags with the message shape.
func (o *Orchestrator) looksLikeCaptcha(spec Spec, msg kit.Inbound) bool {
	if spec.CaptchaHasImage && msg.Photo {
		return true
	}
	if spec.CaptchaButtons && len(msg.Buttons) > 0 {
		return true
	}
	return false
}

func (o *Orchestrator) errored(out Outcome, detail string, err error) Outcome {
	out.State = StateErrored
	out.Category = classify.CategoryError
	if err != nil {
		out.Detail = detail + ": " + err.Error()
	} else {
		out.Detail = detail
	}
	return out
}

func (o *Orchestrator) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	var f float64
	if o.Rand != nil {
		f = o.Rand.Float64()
	} else {
		f = rand.Float64()
	}
	return min + time.Duration(f*float64(span))
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
