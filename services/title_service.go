package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"microlearn/llm"
)

const (
	titleInputChars = 100
	maxTitleChars   = 60

	titlePrompt = "Generate a short, descriptive title (3-5 words) for a conversation that starts with the following message. Respond with only the title, no quotes or extra text."
)

type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

// TitleService asks a lightweight model for a chat title.
type TitleService struct {
	completer llm.Completer
	model     string
}

func NewTitleService(completer llm.Completer, model string) *TitleService {
	return &TitleService{completer: completer, model: model}
}

func (s *TitleService) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	input := prefixRunes(strings.TrimSpace(firstMessage), titleInputChars)
	if input == "" {
		return "", errors.New("empty title input")
	}

	reply, err := s.completer.Complete(ctx, llm.ChatCompletionRequest{
		Model: s.model,
		Messages: []llm.Turn{
			{Role: llm.RoleSystem, Content: titlePrompt},
			{Role: llm.RoleUser, Content: input},
		},
		Temperature: 0.3,
		MaxTokens:   20,
		TopP:        1,
	})
	if err != nil {
		return "", err
	}

	title := CleanTitle(reply.Content)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

// CleanTitle keeps the first line, strips surrounding quotes and caps the length.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), "\"'`“”‘’"))
	title = strings.TrimSuffix(title, ".")
	title = strings.Join(strings.Fields(title), " ")
	return prefixRunes(title, maxTitleChars)
}

// FallbackTitle derives a title from the message itself when generation fails.
func FallbackTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) > 50 {
		return prefixRunes(content, 47) + "..."
	}
	return content
}

func prefixRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
