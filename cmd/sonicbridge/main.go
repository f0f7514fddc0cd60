package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/solvertalk/sonicbridge/internal/agent"
	"github.com/solvertalk/sonicbridge/internal/channel"
	"github.com/solvertalk/sonicbridge/internal/config"
	"github.com/solvertalk/sonicbridge/internal/httpapi"
	"github.com/solvertalk/sonicbridge/internal/modelstream"
	"github.com/solvertalk/sonicbridge/internal/observability"
	"github.com/solvertalk/sonicbridge/internal/session"
	"github.com/solvertalk/sonicbridge/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	var connector channel.Connector
	switch strings.ToLower(strings.TrimSpace(cfg.ChannelProvider)) {
	case "memory":
		connector = channel.NewMemoryHub()
		log.Printf("channel provider: in-process memory hub")
	default:
		c, err := channel.NewWebsocketConnector(channel.WebsocketConfig{
			Endpoint: cfg.EventsEndpoint,
			APIKey:   cfg.EventsAPIKey,
		})
		if err != nil {
			log.Fatalf("events connector init failed: %v", err)
		}
		connector = c
		log.Printf("channel provider: events websocket (%s)", cfg.EventsEndpoint)
	}

	tools := modelstream.NewRegistry(dateTool())

	var provider modelstream.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.ModelProvider)) {
	case "mock":
		provider = modelstream.NewMockProvider()
		log.Printf("model provider: mock")
	default:
		p, err := modelstream.NewBedrockProvider(ctx, modelstream.BedrockConfig{
			Region:  cfg.AWSRegion,
			ModelID: cfg.ModelID,
		}, tools)
		if err != nil {
			log.Fatalf("bedrock provider init failed: %v", err)
		}
		provider = p
		log.Printf("model provider: bedrock (%s, %s)", cfg.AWSRegion, cfg.ModelID)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	orchestrator := agent.New(connector, provider, store, sessions, metrics, stages, agent.Config{
		Namespace:               cfg.ChannelNamespace,
		LowWatermark:            cfg.AudioLowWatermark,
		HighWatermark:           cfg.AudioHighWatermark,
		MaxSkipWait:             cfg.MaxSkipWait,
		HardSessionCap:          cfg.HardSessionCap,
		ResumeAfterMin:          cfg.ResumeAfterMin,
		ResumeAfterMax:          cfg.ResumeAfterMax,
		ReadyInterval:           cfg.ReadyInterval,
		ReadyTimeout:            cfg.ReadyTimeout,
		KeepAliveOnReadyTimeout: cfg.KeepAliveOnReadyTimeout,
		SubscribeSettleDelay:    cfg.SubscribeSettleDelay,
		ReplayBufferLimit:       cfg.ReplayBufferLimit,
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// dateTool tells the model what day it is, which a speech model cannot know
// on its own.
func dateTool() modelstream.Tool {
	return modelstream.Tool{
		Name:        "getDateTool",
		Description: "get information about the current date and day of week",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
		Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
			now := time.Now().UTC()
			out, err := json.Marshal(map[string]string{
				"date":      now.Format("2006-01-02"),
				"dayOfWeek": now.Weekday().String(),
				"timezone":  "UTC",
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}
