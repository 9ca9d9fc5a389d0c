package task

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"checkinbot/internal/classify"
	kit "checkinbot/internal/transport"
)

func TestDecodeCheckinDefaults(t *testing.T) {
	var def Definition
	if err := DecodeParams(KindBotCheckin, nil, &def); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	p := def.Checkin
	if p == nil {
		t.Fatal("Checkin params not set")
	}
	if p.Command != "/checkin" {
		t.Fatalf("Command = %q", p.Command)
	}
	if p.TimeoutSeconds != 60 {
		t.Fatalf("TimeoutSeconds = %d", p.TimeoutSeconds)
	}
	if !p.CaptchaHasImage || !p.CaptchaButtons {
		t.Fatal("captcha flags should default on")
	}
	// Default rules must classify the common replies.
	if got := classify.Classify("签到成功 +3积分", p.Rules); got.Category != classify.CategorySuccess {
		t.Fatalf("default rules: %s", got.Category)
	}
}

func TestDecodeCheckinFieldContract(t *testing.T) {
	raw := json.RawMessage(`{
		"command": "/qd",
		"timeout": 90,
		"use_ai": true,
		"captcha_has_image": false,
		"captcha_has_buttons": true,
		"random_delay_min": 1.5,
		"random_delay_max": 4,
		"success_patterns": {"keywords": ["done"], "extract_regex": "\\+(\\d+) pts"},
		"fail_patterns": {"keywords": ["nope"]}
	}`)
	var def Definition
	if err := DecodeParams(KindBotCheckin, raw, &def); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	p := def.Checkin
	if p.Command != "/qd" || p.TimeoutSeconds != 90 || !p.UseAI {
		t.Fatalf("params = %+v", p)
	}
	if p.CaptchaHasImage || !p.CaptchaButtons {
		t.Fatalf("captcha flags = %v/%v", p.CaptchaHasImage, p.CaptchaButtons)
	}
	if p.RandomDelayMin != 1.5 || p.RandomDelayMax != 4 {
		t.Fatalf("delays = %v/%v", p.RandomDelayMin, p.RandomDelayMax)
	}

	res := classify.Classify("done +7 pts", p.Rules)
	if res.Category != classify.CategorySuccess || res.Extracted != "7" {
		t.Fatalf("custom rules: %+v", res)
	}
	if classify.Classify("nope", p.Rules).Category != classify.CategoryFailure {
		t.Fatal("custom fail pattern not applied")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"comand": "/qd"}`)
	var def Definition
	if err := DecodeParams(KindBotCheckin, raw, &def); err == nil {
		t.Fatal("typo field accepted")
	}
}

func TestDecodeSendMessageRequiresMessage(t *testing.T) {
	var def Definition
	if err := DecodeParams(KindSendMessage, json.RawMessage(`{}`), &def); err == nil {
		t.Fatal("empty message accepted")
	}
	if err := DecodeParams(KindSendMessage, json.RawMessage(`{"message":"gm"}`), &def); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if def.Send.Message != "gm" {
		t.Fatalf("Message = %q", def.Send.Message)
	}
}

func TestDecodeEmbyRequiresServerAndAuth(t *testing.T) {
	var def Definition
	if err := DecodeParams(KindEmbyKeepalive, json.RawMessage(`{}`), &def); err == nil {
		t.Fatal("missing server_url accepted")
	}
	if err := DecodeParams(KindEmbyKeepalive, json.RawMessage(`{"server_url":"http://e:8096"}`), &def); err == nil {
		t.Fatal("missing credentials accepted")
	}
	if err := DecodeParams(KindEmbyKeepalive, json.RawMessage(`{"server_url":"http://e:8096","api_key":"k"}`), &def); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if def.Emby.PlayDurationSeconds != 120 {
		t.Fatalf("PlayDurationSeconds = %d", def.Emby.PlayDurationSeconds)
	}
}

func TestValidate(t *testing.T) {
	good := Definition{
		ID: "t1", Name: "daily", Kind: KindBotCheckin, Account: "a1",
		Target: "bot", Cron: "0 8 * * *", MaxRuntime: time.Minute,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := good
	bad.Account = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("missing account accepted")
	}

	// emby_keepalive needs no account or target.
	embyDef := Definition{
		ID: "t2", Name: "emby", Kind: KindEmbyKeepalive,
		Cron: "0 3 * * *", MaxRuntime: time.Minute,
	}
	if err := embyDef.Validate(); err != nil {
		t.Fatalf("emby Validate: %v", err)
	}
}

func TestLockKey(t *testing.T) {
	withAccount := Definition{ID: "t1", Account: "a1"}
	if got := withAccount.LockKey(); got != "account:a1" {
		t.Fatalf("LockKey = %q", got)
	}
	noAccount := Definition{ID: "t2"}
	if got := noAccount.LockKey(); got != "task:t2" {
		t.Fatalf("LockKey = %q", got)
	}
}

// ---- exam assistant ----

type examSession struct {
	recent  []kit.Inbound
	replies []string
}

func (s *examSession) Account() string                                  { return "a1" }
func (s *examSession) Send(context.Context, kit.Peer, string) error     { return nil }
func (s *examSession) Subscribe(kit.Peer, int) (<-chan kit.Inbound, func()) {
	ch := make(chan kit.Inbound)
	return ch, func() {}
}
func (s *examSession) DownloadPhoto(context.Context, kit.Inbound) ([]byte, error) {
	return nil, nil
}
func (s *examSession) Recent(kit.Peer, time.Duration, int) []kit.Inbound { return s.recent }
func (s *examSession) Reply(_ context.Context, _ kit.Peer, _ int, text string) error {
	s.replies = append(s.replies, text)
	return nil
}

type examDialer struct{ sess *examSession }

func (d *examDialer) Session(string) (kit.Session, error) { return d.sess, nil }
func (d *examDialer) Close(context.Context) error         { return nil }

type examAI struct{ answer string }

func (a examAI) Complete(_ context.Context, prompt string, _ []byte) (string, error) {
	if strings.Contains(prompt, "考核") {
		return a.answer, nil
	}
	return "", nil
}

func examDefinition(autoReply bool) *Definition {
	def := &Definition{
		ID: "t1", Name: "exam", Kind: KindExamAssistant,
		Account: "a1", Target: "group", Cron: "* * * * *", MaxRuntime: time.Minute,
	}
	_ = DecodeParams(KindExamAssistant, nil, def)
	def.Exam.AutoReply = autoReply
	def.Exam.ReplyDelayMin = 0
	def.Exam.ReplyDelayMax = 0
	return def
}

func TestExamAssistantAnswersQuestions(t *testing.T) {
	sess := &examSession{recent: []kit.Inbound{
		{ID: 1, Peer: "group", Text: "大家好"},
		{ID: 2, Peer: "group", Text: "考核题目：天空为什么是蓝色的？"},
		{ID: 3, Peer: "group", Text: "考核答案已公布"}, // excluded by 答案
	}}
	h := &ExamAssistantHandler{
		Dialer: &examDialer{sess: sess},
		AI:     examAI{answer: "瑞利散射"},
	}

	res, err := h.Execute(context.Background(), examDefinition(true))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Category != classify.CategorySuccess {
		t.Fatalf("Category = %s", res.Category)
	}
	if len(sess.replies) != 1 || sess.replies[0] != "瑞利散射" {
		t.Fatalf("replies = %v", sess.replies)
	}
	if !strings.Contains(res.Detail, "processed 1") {
		t.Fatalf("Detail = %q", res.Detail)
	}
}

func TestExamAssistantObserveOnly(t *testing.T) {
	sess := &examSession{recent: []kit.Inbound{
		{ID: 1, Peer: "group", Text: "考核题目：一加一等于几？"},
	}}
	h := &ExamAssistantHandler{
		Dialer: &examDialer{sess: sess},
		AI:     examAI{answer: "2"},
	}

	res, err := h.Execute(context.Background(), examDefinition(false))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sess.replies) != 0 {
		t.Fatalf("replies = %v, want none", sess.replies)
	}
	if !strings.Contains(res.Detail, "replied 0") {
		t.Fatalf("Detail = %q", res.Detail)
	}
}

func TestRenderPrompt(t *testing.T) {
	if got := renderPrompt("答：{question}", "Q"); got != "答：Q" {
		t.Fatalf("got %q", got)
	}
	if got := renderPrompt("答题", "Q"); got != "答题\n\nQ" {
		t.Fatalf("got %q", got)
	}
	if got := renderPrompt("", "Q"); got != "Q" {
		t.Fatalf("got %q", got)
	}
}

func TestResultRetryable(t *testing.T) {
	retry := []classify.Category{classify.CategoryTimeout, classify.CategoryError, classify.CategoryUnclassified}
	for _, c := range retry {
		if !(Result{Category: c}).Retryable() {
			t.Fatalf("%s should be retryable", c)
		}
	}
	final := []classify.Category{classify.CategorySuccess, classify.CategoryAlreadyDone, classify.CategoryFailure, classify.CategoryAccountError}
	for _, c := range final {
		if (Result{Category: c}).Retryable() {
			t.Fatalf("%s should be final", c)
		}
	}
}
