package hall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hall-labs/hall/internal/account"
	"github.com/hall-labs/hall/internal/channel/matrix"
	"github.com/hall-labs/hall/internal/gateway"
	"github.com/hall-labs/hall/internal/llm"
	"github.com/hall-labs/hall/pkg/channel"
)

// App wires the whole daemon: account store, token refresh, gateways,
// tool loop, HTTP API, and the optional Matrix channel.
type App struct {
	config   *Config
	store    *account.Store
	tokens   *account.TokenSource
	worker   *account.RefreshWorker
	provider llm.Provider
	sessions *Sessions
	loop     *Loop
	events   *EventBus
	archive  *Archive
	server   *Server
	matrix   *matrix.Channel
}

// New assembles the application from config. The store stays owned by
// the caller; everything else is built here.
func New(ctx context.Context, store *account.Store, cfg *Config) (*App, error) {
	a := &App{
		config: cfg,
		store:  store,
		events: NewEventBus(),
	}

	a.tokens = account.NewTokenSource(store)
	if cfg.Google.ClientID != "" {
		a.tokens.RegisterRefresher("google",
			account.GoogleRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret))
	} else {
		slog.Warn("no google oauth client configured, token refresh disabled")
	}

	if !cfg.Refresh.Disabled {
		a.worker = account.NewRefreshWorker(store, a.tokens, account.RefreshWorkerConfig{
			Interval: parseDurationOr(cfg.Refresh.Interval, 5*time.Minute),
			Window:   parseDurationOr(cfg.Refresh.Window, 15*time.Minute),
		})
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.provider = provider

	google := gateway.NewGoogle(a.tokens)
	messaging := gateway.NewTwilio(gateway.TwilioConfig{
		AccountSID:     cfg.Twilio.AccountSID,
		AuthToken:      cfg.Twilio.AuthToken,
		FromNumber:     cfg.Twilio.FromNumber,
		WhatsAppNumber: cfg.Twilio.WhatsAppNumber,
	})

	registry := NewRegistry(google, messaging)
	executor := NewExecutor(registry, store)
	a.sessions = NewSessions(cfg.Sessions.Capacity)

	if cfg.Archive.Enabled && cfg.Archive.PostgresURL != "" {
		archive, err := NewArchive(ctx, cfg.Archive.PostgresURL)
		if err != nil {
			// The archive is an enhancement, not a dependency.
			slog.Warn("conversation archive unavailable", "error", err)
		} else if err := archive.Init(ctx); err != nil {
			slog.Warn("init conversation archive", "error", err)
			archive.Close()
		} else {
			a.archive = archive
		}
	}

	var archiver Archiver
	if a.archive != nil {
		archiver = a.archive
	}
	a.loop = NewLoop(provider, executor, a.sessions, store, a.events, archiver, LoopConfig{
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	a.server = NewServer(a.loop, a.sessions, store, a.events, cfg.Listen, cfg.Name)

	if cfg.Matrix.Enabled {
		a.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}

	return a, nil
}

// buildProvider selects the model provider from config.
func buildProvider(cfg ProviderConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		if cfg.BaseURL != "" {
			return llm.NewAnthropicCompat("anthropic", cfg.BaseURL, cfg.APIKey, cfg.Model), nil
		}
		return llm.NewAnthropic(cfg.APIKey, cfg.Model), nil
	case "openai-compat":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai-compat provider requires a base url")
		}
		return llm.NewOpenAICompat(cfg.Provider, cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Run starts every component and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.store.LogStats()

	if a.worker != nil {
		go a.worker.Run(ctx)
	}

	if a.matrix != nil {
		go func() {
			if err := a.matrix.Start(ctx, a.onChannelMessage); err != nil && ctx.Err() == nil {
				slog.Error("matrix channel stopped", "error", err)
			}
		}()
	}

	a.events.Publish(Event{Type: EventStatus, Message: "hall started"})

	err := a.server.Run(ctx)

	if a.matrix != nil {
		if stopErr := a.matrix.Stop(); stopErr != nil {
			slog.Warn("stop matrix channel", "error", stopErr)
		}
	}
	if a.archive != nil {
		a.archive.Close()
	}

	return err
}

// onChannelMessage bridges chat-channel messages into the conversation
// loop. Each room maps to its own conversation.
func (a *App) onChannelMessage(ctx context.Context, msg channel.Message) error {
	userID := a.config.Matrix.HallUserID
	if userID == "" {
		return fmt.Errorf("matrix channel has no hall user configured")
	}

	conversationID := msg.Source + ":" + msg.RoomID
	reply, _, err := a.loop.Converse(ctx, userID, conversationID, msg.Content)
	if err != nil {
		a.events.Publish(Event{Type: EventError, Message: err.Error()})
		reply = "Sorry, I hit an error processing that. Please try again."
	}

	return a.matrix.Send(ctx, channel.Response{Content: reply, RoomID: msg.RoomID})
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration in config", "value", s)
		return fallback
	}
	return d
}
