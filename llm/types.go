// Package llm holds the outbound provider pipeline: conversation validation, the
// token-budget context optimizer and the retrying request executor.
package llm

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one role-tagged utterance. Order within a slice is chronological.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the single provider call shape this service speaks.
type ChatCompletionRequest struct {
	Model       string   `json:"model"`
	Messages    []Turn   `json:"messages"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p"`
	Stream      bool     `json:"stream"`
	Stop        []string `json:"stop,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is a validated successful provider response.
type Reply struct {
	Content      string
	Model        string
	FinishReason string
	Usage        *Usage
	Attempts     int
}

type Credentials struct {
	APIKey  string
	Referer string
	Title   string
}

// Completer sends one chat completion. The orchestrator and the title generator depend on
// this rather than on the executor directly.
type Completer interface {
	Complete(ctx context.Context, req ChatCompletionRequest) (*Reply, error)
}

// Provider binds an executor to one endpoint and one set of credentials.
type Provider struct {
	executor    *Executor
	endpoint    string
	credentials Credentials
}

func NewProvider(executor *Executor, baseURL string, credentials Credentials) *Provider {
	return &Provider{
		executor:    executor,
		endpoint:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		credentials: credentials,
	}
}

func (p *Provider) Complete(ctx context.Context, req ChatCompletionRequest) (*Reply, error) {
	return p.executor.Execute(ctx, p.endpoint, req, p.credentials)
}

// ValidateTurns rejects empty conversations, unknown roles, blank content and more than one
// system turn.
func ValidateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return &InvalidInputError{Reason: "messages array is required and cannot be empty"}
	}
	systemCount := 0
	for i, t := range turns {
		if t.Role == "" || strings.TrimSpace(t.Content) == "" {
			return &InvalidInputError{Reason: fmt.Sprintf("message %d must have 'role' and 'content' properties", i)}
		}
		if !t.Role.Valid() {
			return &InvalidInputError{Reason: fmt.Sprintf("message %d: role must be 'user', 'assistant', or 'system'", i)}
		}
		if t.Role == RoleSystem {
			systemCount++
		}
	}
	if systemCount > 1 {
		return &InvalidInputError{Reason: "at most one system message is allowed"}
	}
	if turns[len(turns)-1].Role != RoleUser {
		return &InvalidInputError{Reason: "the last message must be a user message"}
	}
	return nil
}

// FirstUserTurn returns the earliest user turn, or false when there is none.
func FirstUserTurn(turns []Turn) (Turn, bool) {
	for _, t := range turns {
		if t.Role == RoleUser {
			return t, true
		}
	}
	return Turn{}, false
}
