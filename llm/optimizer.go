package llm

import "unicode/utf8"

const (
	DefaultTokenBudget   = 100000
	DefaultCharsPerToken = 4

	// TruncationMarker is appended to a latest user turn that was cut to fit the budget.
	TruncationMarker = "\n\n[Message truncated due to length]"

	latestUserShare = 0.8
)

type OptimizerConfig struct {
	TokenBudget   int
	CharsPerToken int
	// SystemPrompt is used when the conversation carries no system turn.
	SystemPrompt string
}

// OptimizedContext is the bounded message set sent to the provider.
// Turns is always [system, ...history oldest-first, latest user].
type OptimizedContext struct {
	Turns           []Turn
	EstimatedTokens int
	RetainedHistory int
	DroppedHistory  int
	Truncated       bool
	// Overflow is set when system + latest user alone exceed the budget. Both are still sent.
	Overflow bool
}

type Optimizer struct {
	budget        int
	charsPerToken int
	systemPrompt  string
}

func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultCharsPerToken
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful AI assistant. Provide clear, concise responses."
	}
	return &Optimizer{
		budget:        cfg.TokenBudget,
		charsPerToken: cfg.CharsPerToken,
		systemPrompt:  cfg.SystemPrompt,
	}
}

// Optimize runs the default optimizer with an explicit budget and estimate constant.
func Optimize(turns []Turn, tokenBudget, charsPerToken int) (*OptimizedContext, error) {
	return NewOptimizer(OptimizerConfig{TokenBudget: tokenBudget, CharsPerToken: charsPerToken}).Optimize(turns)
}

// EstimateTokens is ceil(characters / charsPerToken), counting Unicode code points.
func EstimateTokens(content string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(content)
	return (n + charsPerToken - 1) / charsPerToken
}

func (o *Optimizer) Budget() int { return o.budget }

func (o *Optimizer) Optimize(turns []Turn) (*OptimizedContext, error) {
	if err := ValidateTurns(turns); err != nil {
		return nil, err
	}

	latestIdx := len(turns) - 1
	system := Turn{Role: RoleSystem, Content: o.systemPrompt}
	systemIdx := -1
	for i, t := range turns {
		if t.Role == RoleSystem {
			system, systemIdx = t, i
			break
		}
	}
	total := o.estimate(system.Content)

	latest, truncated := o.fitLatest(turns[latestIdx])
	total += o.estimate(latest.Content)
	overflow := total > o.budget

	// Newest first while walking; reversed below.
	kept := make([]Turn, 0, latestIdx)
	dropped := 0
	for i := latestIdx - 1; i >= 0; i-- {
		if i == systemIdx {
			continue
		}
		cost := o.estimate(turns[i].Content)
		if total+cost > o.budget {
			for j := i; j >= 0; j-- {
				if j != systemIdx {
					dropped++
				}
			}
			break
		}
		total += cost
		kept = append(kept, turns[i])
	}

	out := make([]Turn, 0, len(kept)+2)
	out = append(out, system)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	out = append(out, latest)

	return &OptimizedContext{
		Turns:           out,
		EstimatedTokens: total,
		RetainedHistory: len(kept),
		DroppedHistory:  dropped,
		Truncated:       truncated,
		Overflow:        overflow,
	}, nil
}

// fitLatest cuts the active question to 80% of the budget plus the marker. The marker is
// part of the returned content, so callers re-estimate it into the running total.
func (o *Optimizer) fitLatest(t Turn) (Turn, bool) {
	limit := int(float64(o.budget) * latestUserShare)
	if limit < 1 {
		limit = 1
	}
	original := o.estimate(t.Content)
	if original <= limit {
		return t, false
	}
	cut := truncateChars(t.Content, limit*o.charsPerToken) + TruncationMarker
	if o.estimate(cut) >= original {
		return t, false
	}
	return Turn{Role: t.Role, Content: cut}, true
}

func (o *Optimizer) estimate(content string) int {
	return EstimateTokens(content, o.charsPerToken)
}

func truncateChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for pos := range s {
		if count == n {
			return s[:pos]
		}
		count++
	}
	return s
}
