package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"gwi.com/gemini-chat/internal/config"
)

const defaultChatModelName = "gemini-1.5-flash-latest"

var errEmptyCompletion = errors.New("gemini returned no text")

// Generator turns a prompt into model text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type LLMService struct {
	client    *genai.Client
	modelName string
}

func NewLLMService(ctx context.Context) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.AppConfig.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	modelName := config.AppConfig.GeminiModel
	if modelName == "" {
		modelName = defaultChatModelName
	}
	return &LLMService{
		client:    client,
		modelName: modelName,
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

// Generate sends prompt as a single user turn and concatenates the text parts
// of the first candidate.
func (s *LLMService) Generate(ctx context.Context, prompt string) (string, error) {
	model := s.client.GenerativeModel(s.modelName)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate request failed: %w", err)
	}
	return completionText(resp)
}

func completionText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", errEmptyCompletion
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}

	if strings.TrimSpace(responseText.String()) == "" {
		return "", errEmptyCompletion
	}
	return responseText.String(), nil
}
