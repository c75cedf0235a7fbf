package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stoic-persona/server/internal/store"
)

const personaInstructions = `You are an AI assistant that has been trained to answer questions instead of the person using the following knowledge sources that describe the user skills. Use this information to provide accurate and detailed responses while maintaining a technical and professional tone. Do not exaggerate or make claims beyond what is supported by the sources.

Knowledge Sources:
%s

Instructions:
1. Base your responses on the provided knowledge sources
2. Be technically accurate and detailed
3. Maintain a professional and technical tone
4. If you're unsure about something, acknowledge the limitations and ask for clarification
5. Do not make claims that aren't supported by the sources
6. Structure the response in a way that is easy to understand and follow. Using paragraphs and lists when appropriate. Use html tags to format the response.
7. Answer using the first person because you are representing the user, answer with confidence dont cite the sources.`

// Completer produces a reply for a prepared list of chat messages.
type Completer interface {
	GetChatCompletion(ctx context.Context, messages []ChatMessage) (string, error)
}

// AIService assembles the persona prompt from the knowledge sources and the
// conversation history, and asks the model for the assistant's reply.
type AIService struct {
	llm Completer
}

func NewAIService(llm Completer) *AIService {
	return &AIService{llm: llm}
}

// buildSourceContext concatenates every source in list order, each under a
// labeled header. All sources are included in full: there is no truncation
// or relevance ranking.
func buildSourceContext(sources []store.Source) string {
	blocks := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceType := "webpage"
		if source.Type == store.SourceTypePDF {
			sourceType = "PDF document"
		}
		blocks = append(blocks, fmt.Sprintf("Content from %s \"%s\":\n%s\n", sourceType, source.Name, source.Content))
	}
	return strings.Join(blocks, "\n")
}

// GetAIResponse returns the assistant's reply for the given history and
// source set. The system message carrying the persona instructions and the
// full source context always precedes the conversation turns. Errors are
// propagated to the caller; nothing is retried.
func (s *AIService) GetAIResponse(ctx context.Context, messages []ChatMessage, sources []store.Source, conversationID string) (string, error) {
	systemMessage := ChatMessage{
		Role:    "system",
		Content: fmt.Sprintf(personaInstructions, buildSourceContext(sources)),
	}

	prompt := make([]ChatMessage, 0, len(messages)+1)
	prompt = append(prompt, systemMessage)
	prompt = append(prompt, messages...)

	log.Printf("Requesting completion for conversation %s (%d turns, %d sources)", conversationID, len(messages), len(sources))

	reply, err := s.llm.GetChatCompletion(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to get AI response: %w", err)
	}
	return reply, nil
}
