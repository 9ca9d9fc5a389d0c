package classify

// DefaultRuleSetConfig mirrors the stock keyword sets that ship with most
// Chinese-language check-in bots. Tasks that configure no patterns of their
// own fall back to these.
func DefaultRuleSetConfig() RuleSetConfig {
	return RuleSetConfig{
		Success: PatternConfig{
			Keywords:     []string{"签到成功", "成功签到", "获得", "积分", "恭喜", "完成签到"},
			ExtractRegex: `[+＋]?\s*(\d+)\s*[积分点]`,
		},
		AlreadyDone: PatternConfig{
			Keywords: []string{"今天已签到", "已经签到", "今日已签到", "已签到", "重复签到", "签到机会已用完", "已用完"},
		},
		Failure: PatternConfig{
			Keywords: []string{"失败", "错误", "验证码错误", "回答错误", "超时", "过期", "无效"},
		},
		Ignore: PatternConfig{
			Keywords: []string{"会话已取消", "没有活跃的会话"},
		},
		AccountError: PatternConfig{
			Keywords: []string{"黑名单", "封禁", "禁止", "未注册", "不存在", "未绑定"},
		},
	}
}

// MustCompileRuleSet panics on invalid pattern config. Intended for defaults
// and tests only.
func MustCompileRuleSet(rc RuleSetConfig) RuleSet {
	rs, err := CompileRuleSet(rc)
	if err != nil {
		panic(err)
	}
	return rs
}
