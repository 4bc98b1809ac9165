package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

func TestLLMSummariser_Summarise(t *testing.T) {
	t.Run("nil provider rejected", func(t *testing.T) {
		if _, err := NewLLMSummariser(nil); err == nil {
			t.Fatal("expected error for nil provider")
		}
	})

	t.Run("empty log skips the backend", func(t *testing.T) {
		p := &llmmock.Provider{}
		s := mustSummariser(t, p)

		got, err := s.Summarise(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "" {
			t.Errorf("summary = %q, want empty", got)
		}
		if p.CallCount() != 0 {
			t.Errorf("backend called %d times for empty input", p.CallCount())
		}
	})

	t.Run("summarises the rendered dialogue", func(t *testing.T) {
		p := &llmmock.Provider{
			Response: &llm.CompletionResponse{Content: "  The caller booked a table for two.  "},
		}
		s := mustSummariser(t, p)

		turns := []transcript.Turn{
			{User: "book a table for two", Model: "Done, table for two at eight."},
		}
		got, err := s.Summarise(context.Background(), turns)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "The caller booked a table for two." {
			t.Errorf("summary = %q", got)
		}

		req := p.LastRequest()
		if req.SystemPrompt != summarySystemPrompt {
			t.Errorf("system prompt = %q", req.SystemPrompt)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Fatalf("messages = %+v", req.Messages)
		}
		content := req.Messages[0].Content
		if !strings.Contains(content, "User: book a table for two") {
			t.Errorf("user line missing from %q", content)
		}
		if !strings.Contains(content, "Assistant: Done, table for two at eight.") {
			t.Errorf("assistant line missing from %q", content)
		}
	})

	t.Run("synthetic turns render as context lines", func(t *testing.T) {
		p := &llmmock.Provider{
			Response: &llm.CompletionResponse{Content: "summary"},
		}
		s := mustSummariser(t, p)

		turns := []transcript.Turn{
			{Model: "Earlier the caller asked about opening hours.", Synthetic: true},
			{User: "and parking?", Model: "There is a garage next door."},
		}
		if _, err := s.Summarise(context.Background(), turns); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		content := p.LastRequest().Messages[0].Content
		if !strings.Contains(content, "Context: Earlier the caller asked about opening hours.") {
			t.Errorf("context line missing from %q", content)
		}
		if strings.Contains(content, "Assistant: Earlier the caller") {
			t.Errorf("synthetic turn rendered as assistant speech: %q", content)
		}
	})

	t.Run("propagates backend errors", func(t *testing.T) {
		p := &llmmock.Provider{Err: errors.New("model overloaded")}
		s := mustSummariser(t, p)

		_, err := s.Summarise(context.Background(), []transcript.Turn{{User: "hi"}})
		if err == nil || !strings.Contains(err.Error(), "model overloaded") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("rejects an empty backend response", func(t *testing.T) {
		p := &llmmock.Provider{
			Response: &llm.CompletionResponse{Content: "   "},
		}
		s := mustSummariser(t, p)

		if _, err := s.Summarise(context.Background(), []transcript.Turn{{User: "hi"}}); err == nil {
			t.Fatal("expected error for empty summary")
		}
	})

	t.Run("options override sampling parameters", func(t *testing.T) {
		p := &llmmock.Provider{
			Response: &llm.CompletionResponse{Content: "summary"},
		}
		s, err := NewLLMSummariser(p, WithSummaryMaxTokens(128), WithSummaryTemperature(0.7))
		if err != nil {
			t.Fatalf("NewLLMSummariser: %v", err)
		}

		if _, err := s.Summarise(context.Background(), []transcript.Turn{{User: "hi"}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		req := p.LastRequest()
		if req.MaxTokens != 128 {
			t.Errorf("max tokens = %d", req.MaxTokens)
		}
		if req.Temperature != 0.7 {
			t.Errorf("temperature = %v", req.Temperature)
		}
	})
}

func mustSummariser(t *testing.T, p llm.Provider) *LLMSummariser {
	t.Helper()
	s, err := NewLLMSummariser(p)
	if err != nil {
		t.Fatalf("NewLLMSummariser: %v", err)
	}
	return s
}
