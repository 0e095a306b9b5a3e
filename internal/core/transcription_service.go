package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gwi.com/gemini-chat/internal/metrics"
)

const (
	defaultMaxAudioBytes        = 10 << 20
	defaultTranscriptionTimeout = 120 * time.Second
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type TranscriptionOptions struct {
	ScratchDir    string
	MaxAudioBytes int64
	Timeout       time.Duration
}

// AudioEvent is one audio upload from a voice connection.
type AudioEvent struct {
	ConnectionID string
	Data         []byte
}

type TranscriptionService struct {
	transcriber Transcriber
	opts        TranscriptionOptions
}

func NewTranscriptionService(t Transcriber, opts TranscriptionOptions) *TranscriptionService {
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.MaxAudioBytes <= 0 {
		opts.MaxAudioBytes = defaultMaxAudioBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTranscriptionTimeout
	}
	return &TranscriptionService{transcriber: t, opts: opts}
}

// HandleAudio stages ev.Data in a scratch file private to this call, hands it
// to the transcriber and emits text_data on success or error otherwise.
func (s *TranscriptionService) HandleAudio(ctx context.Context, ev AudioEvent, out Emitter) error {
	text, err := s.transcribe(ctx, ev)
	if err != nil {
		reply := ErrorReply{Code: CodeOf(err), Message: "transcription failed"}
		var coreErr *Error
		if errors.As(err, &coreErr) {
			reply.Message = coreErr.Reason
		}
		if emitErr := out.Emit(EventError, reply); emitErr != nil {
			log.Printf("[voice] failed to emit error on connection %s: %v", ev.ConnectionID, emitErr)
		}
		return err
	}

	metrics.TranscriptionsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	if err := out.Emit(EventTextData, TextReply{Text: text}); err != nil {
		log.Printf("[voice] failed to emit transcript on connection %s: %v", ev.ConnectionID, err)
	}
	return nil
}

func (s *TranscriptionService) transcribe(ctx context.Context, ev AudioEvent) (string, error) {
	if len(ev.Data) == 0 {
		metrics.TranscriptionsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return "", newError(ErrorValidation, "audio data is required", nil)
	}
	if int64(len(ev.Data)) > s.opts.MaxAudioBytes {
		metrics.TranscriptionsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return "", newError(ErrorValidation, fmt.Sprintf("audio exceeds %d bytes", s.opts.MaxAudioBytes), nil)
	}

	path, cleanup, err := s.stage(ev)
	if err != nil {
		log.Printf("[voice] failed to stage audio for connection %s: %v", ev.ConnectionID, err)
		metrics.TranscriptionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return "", newError(ErrorInternal, "could not process audio", err)
	}
	defer cleanup()

	tctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	text, err := s.transcriber.TranscribeFile(tctx, path)
	if err != nil {
		log.Printf("[voice] transcription failed for connection %s: %v", ev.ConnectionID, err)
		metrics.TranscriptionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return "", newError(ErrorTranscription, "could not transcribe audio, please try again", err)
	}
	return text, nil
}

// stage writes the audio to a uniquely named file and returns a func that
// removes it.
func (s *TranscriptionService) stage(ev AudioEvent) (string, func(), error) {
	prefix := "audio-" + unsafeNameChars.ReplaceAllString(ev.ConnectionID, "") + "-*.mp3"
	f, err := os.CreateTemp(s.opts.ScratchDir, prefix)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := filepath.Clean(f.Name())
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[voice] failed to remove scratch file %s: %v", path, err)
		}
	}

	if _, err := f.Write(ev.Data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close scratch file: %w", err)
	}
	return path, cleanup, nil
}
