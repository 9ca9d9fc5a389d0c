// Package task defines the declarative task model: what to run, against whom,
// on which schedule, with which kind-specific parameters. Definitions are
// immutable once handed to the engine; reload produces new ones.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/classify"
	kit "checkinbot/internal/transport"
)

type Kind string

const (
	KindBotCheckin    Kind = "bot_checkin"
	KindSendMessage   Kind = "send_message"
	KindEmbyKeepalive Kind = "emby_keepalive"
	KindExamAssistant Kind = "exam_assistant"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBotCheckin, KindSendMessage, KindEmbyKeepalive, KindExamAssistant:
		return true
	}
	return false
}

// Definition is one configured recurring task. Read-only to the engine
// during an execution.
type Definition struct {
	ID      string
	Name    string
	Kind    Kind
	Enabled bool

	Account string   // logical account identity; empty only for emby_keepalive
	Target  kit.Peer // conversation peer handle

	Cron     string
	Timezone string

	JitterSeconds int
	MaxRuntime    time.Duration // whole-attempt budget including deferral
	Retries       int
	RetryBackoff  time.Duration

	// Exactly one of these is set, matching Kind.
	Checkin *CheckinParams
	Send    *SendMessageParams
	Emby    *EmbyParams
	Exam    *ExamParams
}

// CheckinParams configures a bot_checkin conversation. Field names are the
// stable contract between configuration and engine.
type CheckinParams struct {
	Command         string  `json:"command,omitempty"`
	RandomDelayMin  float64 `json:"random_delay_min,omitempty"`
	RandomDelayMax  float64 `json:"random_delay_max,omitempty"`
	TimeoutSeconds  int     `json:"timeout,omitempty"`
	UseAI           bool    `json:"use_ai,omitempty"`
	CaptchaHasImage bool    `json:"captcha_has_image,omitempty"`
	CaptchaButtons  bool    `json:"captcha_has_buttons,omitempty"`

	classify.RuleSetConfig

	// Rules is the compiled form of RuleSetConfig, filled at decode time.
	Rules classify.RuleSet `json:"-"`
}

type SendMessageParams struct {
	Message string `json:"message"`
}

// EmbyParams configures an emby_keepalive run: authenticate against an Emby
// server and simulate a short playback to keep the account active.
type EmbyParams struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	ProxyURL  string `json:"proxy_url,omitempty"`

	DeviceName    string `json:"device_name,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`

	PlayDurationSeconds   int  `json:"play_duration,omitempty"`
	ReportIntervalSeconds int  `json:"report_interval,omitempty"`
	RandomItem            bool `json:"random_item,omitempty"`
	VerifySSL             bool `json:"verify_ssl,omitempty"`
}

type ExamParams struct {
	Keywords        []string `json:"keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`

	AutoReply     bool    `json:"auto_reply,omitempty"`
	ReplyDelayMin float64 `json:"reply_delay_min,omitempty"`
	ReplyDelayMax float64 `json:"reply_delay_max,omitempty"`

	LookbackSeconds int `json:"lookback_seconds,omitempty"`
	MaxMessages     int `json:"max_messages,omitempty"`

	PromptTemplate string `json:"ai_prompt_template,omitempty"`
	MaxTokens      int    `json:"ai_max_tokens,omitempty"`
}

// DecodeParams parses the raw params block for the given kind, applies
// defaults, and compiles patterns. Unknown fields are rejected so config
// typos surface at load time, not as silent misbehavior.
func DecodeParams(kind Kind, raw json.RawMessage, into *Definition) error {
	strict := func(v any) error {
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}

	switch kind {
	case KindBotCheckin:
		p := defaultCheckinParams()
		if err := strict(&p); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		rules, err := classify.CompileRuleSet(withDefaultRules(p.RuleSetConfig))
		if err != nil {
			return fmt.Errorf("params: %w", err)
		}
		p.Rules = rules
		if p.RandomDelayMax < p.RandomDelayMin {
			p.RandomDelayMax = p.RandomDelayMin
		}
		into.Checkin = &p

	case KindSendMessage:
		var p SendMessageParams
		if err := strict(&p); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		if strings.TrimSpace(p.Message) == "" {
			return fmt.Errorf("params: message is required")
		}
		into.Send = &p

	case KindEmbyKeepalive:
		p := defaultEmbyParams()
		if err := strict(&p); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		if strings.TrimSpace(p.ServerURL) == "" {
			return fmt.Errorf("params: server_url is required")
		}
		if strings.TrimSpace(p.APIKey) == "" && strings.TrimSpace(p.Username) == "" {
			return fmt.Errorf("params: api_key or username/password is required")
		}
		into.Emby = &p

	case KindExamAssistant:
		p := defaultExamParams()
		if err := strict(&p); err != nil {
			return fmt.Errorf("params: %w", err)
		}
		if p.ReplyDelayMax < p.ReplyDelayMin {
			p.ReplyDelayMax = p.ReplyDelayMin
		}
		into.Exam = &p

	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	return nil
}

func defaultCheckinParams() CheckinParams {
	return CheckinParams{
		Command:         "/checkin",
		RandomDelayMin:  2,
		RandomDelayMax:  5,
		TimeoutSeconds:  60,
		CaptchaHasImage: true,
		CaptchaButtons:  true,
	}
}

// withDefaultRules fills in the stock keyword sets for sections the task left
// empty, so a minimal config still classifies common bot replies.
func withDefaultRules(rc classify.RuleSetConfig) classify.RuleSetConfig {
	def := classify.DefaultRuleSetConfig()
	if emptyPattern(rc.Success) {
		rc.Success = def.Success
	}
	if emptyPattern(rc.AlreadyDone) {
		rc.AlreadyDone = def.AlreadyDone
	}
	if emptyPattern(rc.Failure) {
		rc.Failure = def.Failure
	}
	if emptyPattern(rc.Ignore) {
		rc.Ignore = def.Ignore
	}
	if emptyPattern(rc.AccountError) {
		rc.AccountError = def.AccountError
	}
	return rc
}

func emptyPattern(pc classify.PatternConfig) bool {
	return len(pc.Keywords) == 0 && strings.TrimSpace(pc.Regex) == "" && strings.TrimSpace(pc.ExtractRegex) == ""
}

func defaultEmbyParams() EmbyParams {
	return EmbyParams{
		DeviceName:            "checkinbot",
		ClientName:            "Emby Web",
		ClientVersion:         "4.7.14.0",
		PlayDurationSeconds:   120,
		ReportIntervalSeconds: 10,
		RandomItem:            true,
		VerifySSL:             true,
	}
}

func defaultExamParams() ExamParams {
	return ExamParams{
		Keywords:        []string{"考核", "题目", "问答", "答题", "quiz", "考试"},
		ExcludeKeywords: []string{"答案", "正确"},
		ReplyDelayMin:   3,
		ReplyDelayMax:   8,
		LookbackSeconds: 300,
		MaxMessages:     30,
		PromptTemplate:  "请直接回答以下问题，只给出答案，不需要解释：\n\n{question}",
		MaxTokens:       200,
	}
}

// Validate checks cross-field consistency of a Definition after decode.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("task %s: name is required", d.ID)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("task %s: unknown kind %q", d.ID, d.Kind)
	}
	if strings.TrimSpace(d.Cron) == "" {
		return fmt.Errorf("task %s: schedule_cron is required", d.ID)
	}
	if d.Kind != KindEmbyKeepalive {
		if strings.TrimSpace(d.Account) == "" {
			return fmt.Errorf("task %s: account is required for kind %s", d.ID, d.Kind)
		}
		if strings.TrimSpace(string(d.Target)) == "" {
			return fmt.Errorf("task %s: target is required for kind %s", d.ID, d.Kind)
		}
	}
	if d.Retries < 0 {
		return fmt.Errorf("task %s: retries must be >= 0", d.ID)
	}
	if d.MaxRuntime <= 0 {
		return fmt.Errorf("task %s: max_runtime_seconds must be > 0", d.ID)
	}
	return nil
}

// LockKey returns the exclusivity key for the account session. Tasks without
// an account (emby_keepalive) get a per-task key so they never contend.
func (d *Definition) LockKey() string {
	if strings.TrimSpace(d.Account) != "" {
		return "account:" + d.Account
	}
	return "task:" + d.ID
}
