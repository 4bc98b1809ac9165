package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// summarySystemPrompt instructs the completion backend to produce a carry-over
// summary. The response is injected verbatim into the restarted session's
// instructions, so it must be plain prose with no preamble.
const summarySystemPrompt = `You condense voice conversations. Write a compact third-person summary
of the conversation so far. Preserve: names, stated facts, decisions made,
promises given, and any open tasks. Respond with the summary text only.`

// Summariser produces a concise summary of a conversation log, carried into a
// restarted session's instructions.
type Summariser interface {
	Summarise(ctx context.Context, turns []transcript.Turn) (string, error)
}

// LLMSummariser implements [Summariser] on top of a chat-completion backend.
type LLMSummariser struct {
	provider    llm.Provider
	maxTokens   int
	temperature float64
}

// SummariserOption is a functional option for [NewLLMSummariser].
type SummariserOption func(*LLMSummariser)

// WithSummaryMaxTokens caps the summary length in tokens. Defaults to 512.
func WithSummaryMaxTokens(n int) SummariserOption {
	return func(s *LLMSummariser) { s.maxTokens = n }
}

// WithSummaryTemperature sets the sampling temperature. Defaults to 0.2;
// summaries should be faithful, not creative.
func WithSummaryTemperature(t float64) SummariserOption {
	return func(s *LLMSummariser) { s.temperature = t }
}

// NewLLMSummariser creates a summariser backed by the given completion
// provider.
func NewLLMSummariser(provider llm.Provider, opts ...SummariserOption) (*LLMSummariser, error) {
	if provider == nil {
		return nil, fmt.Errorf("session: summariser provider must not be nil")
	}
	s := &LLMSummariser{
		provider:    provider,
		maxTokens:   512,
		temperature: 0.2,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Summarise renders the turn log as a dialogue and asks the backend for a
// summary. An empty log summarises to the empty string without a backend call.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []transcript.Turn) (string, error) {
	rendered := renderTurns(turns)
	if rendered == "" {
		return "", nil
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: rendered},
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("session: summarise: backend returned an empty summary")
	}
	return summary, nil
}

// renderTurns formats a turn log as a readable dialogue. Synthetic turns are
// earlier carry-over summaries and render as context lines so a re-summary
// does not lose them. The formatter is pure and safe for concurrent use.
func renderTurns(turns []transcript.Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		if turn.Synthetic {
			if turn.Model != "" {
				fmt.Fprintf(&sb, "Context: %s\n", turn.Model)
			}
			continue
		}
		if turn.User != "" {
			fmt.Fprintf(&sb, "User: %s\n", turn.User)
		}
		if turn.Model != "" {
			fmt.Fprintf(&sb, "Assistant: %s\n", turn.Model)
		}
	}
	return strings.TrimSpace(sb.String())
}

var _ Summariser = (*LLMSummariser)(nil)
