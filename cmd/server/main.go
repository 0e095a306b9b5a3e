package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/gemini-chat/internal/api"
	"gwi.com/gemini-chat/internal/config"
	"gwi.com/gemini-chat/internal/core"
	"gwi.com/gemini-chat/internal/realtime"
	"gwi.com/gemini-chat/internal/store"
)

func main() {
	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	debug := config.AppConfig.LogLevel == "DEBUG"
	if debug {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize LLM service
	llmService, err := core.NewLLMService(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	identityService := core.NewIdentityService(dbStore)
	chatService := core.NewChatService(dbStore, llmService, core.NewRenderer(), core.ChatOptions{
		MaxQueryLength:    config.AppConfig.MaxQueryLength,
		MaxResponseLength: config.AppConfig.MaxResponseLength,
		GenerationTimeout: config.AppConfig.GenerationTimeout,
	})

	// Voice stays off without a speech-to-text key.
	var voice realtime.AudioHandler
	if config.AppConfig.VoiceEnabled() {
		voice = core.NewTranscriptionService(core.NewSpeechService(config.AppConfig.AssemblyAIAPIKey), core.TranscriptionOptions{
			ScratchDir:    config.AppConfig.ScratchDir,
			MaxAudioBytes: config.AppConfig.MaxAudioBytes,
			Timeout:       config.AppConfig.TranscriptionTimeout,
		})
	} else {
		log.Println("ASSEMBLYAI_API_KEY not set, voice transcription disabled")
	}

	hub := realtime.NewHub()
	wsHandler := realtime.NewHandler(hub, chatService, voice, realtime.Options{
		AllowedOrigins:  config.AppConfig.AllowedOrigins,
		EventsPerSecond: config.AppConfig.EventsPerSecond,
		EventBurst:      config.AppConfig.EventBurst,
		MaxInflight:     config.AppConfig.MaxInflightPerConn,
		ChatReadLimit:   realtime.ChatReadLimit(config.AppConfig.MaxQueryLength),
		VoiceReadLimit:  realtime.VoiceReadLimit(config.AppConfig.MaxAudioBytes),
		Debug:           debug,
	})

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(identityService, chatService, dbStore)
	router := api.NewRouter(apiHandler, wsHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Websocket connections are hijacked and manage their own deadlines.
		WriteTimeout: config.AppConfig.GenerationTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Shutdown does not track hijacked connections.
	hub.CloseAll()
	wsHandler.Wait()

	// llmService.Close() and dbStore.Close() will be called by their defers.
	log.Println("Server exiting gracefully")
}
