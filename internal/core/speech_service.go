package core

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/AssemblyAI/assemblyai-go-sdk"
)

// Transcriber converts the audio file at path into text.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string) (string, error)
}

// SpeechService transcribes uploads with AssemblyAI.
type SpeechService struct {
	client *assemblyai.Client
}

func NewSpeechService(apiKey string) *SpeechService {
	return &SpeechService{client: assemblyai.NewClient(apiKey)}
}

func (s *SpeechService) TranscribeFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	transcript, err := s.client.Transcripts.TranscribeFromReader(ctx, f, nil)
	if err != nil {
		return "", fmt.Errorf("assemblyai transcription request failed: %w", err)
	}
	if transcript.Status == assemblyai.TranscriptStatusError {
		return "", errors.New("assemblyai transcription failed: " + assemblyai.ToString(transcript.Error))
	}
	return assemblyai.ToString(transcript.Text), nil
}
