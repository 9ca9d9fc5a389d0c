// Package classify turns a bot reply into exactly one outcome category.
//
// Matching is a pure function over the reply text: per-task keyword/regex rule
// sets are compiled once (at config load) and evaluated in a fixed precedence
// order, so re-classifying the same text always yields the same result.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// Category is the single reported outcome of classifying one reply.
type Category string

const (
	// Categories produced by pattern matching.
	CategorySuccess      Category = "success"
	CategoryAlreadyDone  Category = "already_done"
	CategoryFailure      Category = "failure"
	CategoryIgnore       Category = "ignore"
	CategoryAccountError Category = "account_error"

	// CategoryUnclassified means no rule set matched the reply.
	CategoryUnclassified Category = "unclassified"

	// Engine-level outcomes; never produced by Classify itself.
	CategoryTimeout Category = "timeout"
	CategoryError   Category = "error"
)

// Terminal reports whether a per-message category should end the conversation.
// ignore and unclassified keep the orchestrator waiting for further replies.
func (c Category) Terminal() bool {
	switch c {
	case CategoryIgnore, CategoryUnclassified:
		return false
	default:
		return true
	}
}

// PatternConfig is the raw, serializable form of one rule set.
type PatternConfig struct {
	Keywords     []string `json:"keywords,omitempty"`
	Regex        string   `json:"regex,omitempty"`
	ExtractRegex string   `json:"extract_regex,omitempty"`
}

// Pattern is one compiled rule set: any keyword (case-insensitive substring)
// OR the regex triggers a match.
type Pattern struct {
	keywords []string
	re       *regexp.Regexp
	extract  *regexp.Regexp
}

// Compile validates and compiles a PatternConfig.
func Compile(pc PatternConfig) (Pattern, error) {
	p := Pattern{}
	for _, kw := range pc.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		p.keywords = append(p.keywords, strings.ToLower(kw))
	}
	if s := strings.TrimSpace(pc.Regex); s != "" {
		re, err := regexp.Compile(s)
		if err != nil {
			return Pattern{}, fmt.Errorf("regex: %w", err)
		}
		p.re = re
	}
	if s := strings.TrimSpace(pc.ExtractRegex); s != "" {
		re, err := regexp.Compile(s)
		if err != nil {
			return Pattern{}, fmt.Errorf("extract_regex: %w", err)
		}
		if re.NumSubexp() < 1 {
			return Pattern{}, fmt.Errorf("extract_regex: needs at least one capture group")
		}
		p.extract = re
	}
	return p, nil
}

// Empty reports whether the pattern can never match.
func (p Pattern) Empty() bool { return len(p.keywords) == 0 && p.re == nil }

// Match reports whether text triggers this pattern.
func (p Pattern) Match(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range p.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return p.re != nil && p.re.MatchString(text)
}

// Extract applies the extraction regex and returns the first capture group.
// A configured-but-unmatched extraction is not an error: ok is false.
func (p Pattern) Extract(text string) (value string, ok bool) {
	if p.extract == nil {
		return "", false
	}
	m := p.extract.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// RuleSet holds the five named rule sets of a task.
type RuleSet struct {
	Success      Pattern
	AlreadyDone  Pattern
	Failure      Pattern
	Ignore       Pattern
	AccountError Pattern
}

// RuleSetConfig is the raw form of RuleSet as it appears in task params.
type RuleSetConfig struct {
	Success      PatternConfig `json:"success_patterns,omitempty"`
	AlreadyDone  PatternConfig `json:"already_done_patterns,omitempty"`
	Failure      PatternConfig `json:"fail_patterns,omitempty"`
	Ignore       PatternConfig `json:"ignore_patterns,omitempty"`
	AccountError PatternConfig `json:"account_error_patterns,omitempty"`
}

// CompileRuleSet compiles all five pattern configs. Empty sections stay empty
// (they simply never match).
func CompileRuleSet(rc RuleSetConfig) (RuleSet, error) {
	var rs RuleSet
	var err error
	if rs.Success, err = Compile(rc.Success); err != nil {
		return RuleSet{}, fmt.Errorf("success_patterns: %w", err)
	}
	if rs.AlreadyDone, err = Compile(rc.AlreadyDone); err != nil {
		return RuleSet{}, fmt.Errorf("already_done_patterns: %w", err)
	}
	if rs.Failure, err = Compile(rc.Failure); err != nil {
		return RuleSet{}, fmt.Errorf("fail_patterns: %w", err)
	}
	if rs.Ignore, err = Compile(rc.Ignore); err != nil {
		return RuleSet{}, fmt.Errorf("ignore_patterns: %w", err)
	}
	if rs.AccountError, err = Compile(rc.AccountError); err != nil {
		return RuleSet{}, fmt.Errorf("account_error_patterns: %w", err)
	}
	return rs, nil
}

// Result is the outcome of classifying one reply.
type Result struct {
	Category  Category
	Extracted string
}

// Classify evaluates the rule sets in fixed precedence order and returns the
// first matching category.
//
// The order is total and deliberate: ignorable noise and account-level errors
// must suppress a false success read, and "already done" is checked before
// "success" because bot replies reuse success vocabulary on repeat visits
// ("已签到" vs "签到成功").
func Classify(text string, rs RuleSet) Result {
	switch {
	case rs.Ignore.Match(text):
		return Result{Category: CategoryIgnore}
	case rs.AccountError.Match(text):
		return Result{Category: CategoryAccountError}
	case rs.AlreadyDone.Match(text):
		return Result{Category: CategoryAlreadyDone}
	case rs.Success.Match(text):
		res := Result{Category: CategorySuccess}
		if v, ok := rs.Success.Extract(text); ok {
			res.Extracted = v
		}
		return res
	case rs.Failure.Match(text):
		return Result{Category: CategoryFailure}
	default:
		return Result{Category: CategoryUnclassified}
	}
}
