package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoic-persona/server/internal/store"
)

type stubCompleter struct {
	reply  string
	err    error
	prompt []ChatMessage
}

func (s *stubCompleter) GetChatCompletion(ctx context.Context, messages []ChatMessage) (string, error) {
	s.prompt = append([]ChatMessage(nil), messages...)
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func TestBuildSourceContextLabelsAndOrder(t *testing.T) {
	sources := []store.Source{
		{Type: store.SourceTypePDF, Name: "resume.pdf", Content: "Ten years of Go."},
		{Type: store.SourceTypeURL, Name: "https://example.com/about", Content: "About page text."},
	}

	got := buildSourceContext(sources)

	assert.Contains(t, got, `Content from PDF document "resume.pdf":`+"\nTen years of Go.")
	assert.Contains(t, got, `Content from webpage "https://example.com/about":`+"\nAbout page text.")
	assert.Less(t, strings.Index(got, "resume.pdf"), strings.Index(got, "example.com"),
		"sources appear in list order")
}

func TestBuildSourceContextEmpty(t *testing.T) {
	assert.Empty(t, buildSourceContext(nil))
}

func TestBuildSourceContextNameInterpolatedRaw(t *testing.T) {
	sources := []store.Source{
		{Type: store.SourceTypePDF, Name: `my "quoted" doc.pdf`, Content: "text"},
	}

	got := buildSourceContext(sources)

	assert.Contains(t, got, `Content from PDF document "my "quoted" doc.pdf":`)
	assert.NotContains(t, got, `\"`, "names are not escaped")
}

func TestGetAIResponsePrependsSystemMessage(t *testing.T) {
	llm := &stubCompleter{reply: "the reply"}
	svc := NewAIService(llm)

	sources := []store.Source{
		{Type: store.SourceTypePDF, Name: "resume.pdf", Content: "Worked on WCAG 2.1 compliance for X Corp"},
	}
	history := []ChatMessage{
		{Role: "user", Content: "What is your accessibility experience?"},
	}

	reply, err := svc.GetAIResponse(context.Background(), history, sources, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "the reply", reply)

	require.Len(t, llm.prompt, 2)
	assert.Equal(t, "system", llm.prompt[0].Role)
	assert.Contains(t, llm.prompt[0].Content, "Worked on WCAG 2.1 compliance for X Corp")
	assert.Contains(t, llm.prompt[0].Content, "Knowledge Sources:")
	assert.Equal(t, history[0], llm.prompt[1])
}

func TestGetAIResponsePropagatesError(t *testing.T) {
	llm := &stubCompleter{err: errors.New("rate limited")}
	svc := NewAIService(llm)

	_, err := svc.GetAIResponse(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil, "conv-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get AI response")
}
