package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tradeloop/chatwire/internal/api"
	"github.com/tradeloop/chatwire/internal/channel"
	"github.com/tradeloop/chatwire/internal/chatsync"
	"github.com/tradeloop/chatwire/internal/config"
	"github.com/tradeloop/chatwire/internal/metrics"
	"github.com/tradeloop/chatwire/internal/model"
	"github.com/tradeloop/chatwire/internal/notify"
	"github.com/tradeloop/chatwire/internal/rooms"
	"github.com/tradeloop/chatwire/internal/session"
	"github.com/tradeloop/chatwire/internal/store"
	"github.com/tradeloop/chatwire/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/chatwire.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chatwire",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"api_url", cfg.API.RestURL,
		"ws_url", cfg.API.WSURL,
	)

	// Establish the session from the access token
	sess, err := session.FromToken(cfg.API.Token)
	if err != nil {
		logger.Error("failed to establish session", "error", err)
		os.Exit(1)
	}
	logger.Info("session established",
		"user_id", sess.UserID,
		"role", sess.Role,
		"instance_id", sess.InstanceID,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open the offline cache
	var cache *store.Cache
	if !cfg.Store.Disabled {
		cache, err = store.Open(cfg.Store.Path, logger)
		if err != nil {
			logger.Error("failed to open offline cache", "error", err)
			os.Exit(1)
		}
		defer cache.Close()
		logger.Info("offline cache opened", "path", cfg.Store.Path)
	}

	// Create API client
	apiClient := api.NewClient(
		cfg.API.RestURL,
		cfg.API.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	// Start the duplex channel
	mgrCfg := channel.DefaultManagerConfig()
	mgrCfg.WSURL = cfg.API.WSURL
	mgrCfg.Token = cfg.API.Token
	if len(cfg.Channel.RetrySchedule) > 0 {
		mgrCfg.RetrySchedule = cfg.Channel.RetrySchedule
	}
	if cfg.Channel.HeartbeatInterval > 0 {
		mgrCfg.HeartbeatInterval = cfg.Channel.HeartbeatInterval
	}
	if cfg.Channel.WriteTimeout > 0 {
		mgrCfg.WriteTimeout = cfg.Channel.WriteTimeout
	}
	if cfg.Channel.PingTimeout > 0 {
		mgrCfg.PingTimeout = cfg.Channel.PingTimeout
	}
	if cfg.Channel.BufferSize > 0 {
		mgrCfg.BufferSize = cfg.Channel.BufferSize
	}

	mgr := channel.NewManager(mgrCfg, sess, logger)
	mgr.OnStateChange(func(prev, next channel.State) {
		logger.Info("channel state changed", "from", prev, "to", next)
	})
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start channel", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		mgr.Stop(stopCtx)
	}()

	tracker := rooms.NewTracker(mgr, logger)

	syncCfg := chatsync.Config{
		PollInterval:    cfg.Sync.PollInterval,
		TypingPerMinute: cfg.Sync.TypingPerMinute,
		TypingBurst:     cfg.Sync.TypingBurst,
	}

	// One message synchronizer per conversation, created as the list
	// reveals conversations. Each feeds its new messages back into the
	// list ordering.
	var (
		list    *chatsync.ConversationList
		syncs   = make(map[string]*chatsync.MessageSync)
		syncsMu sync.Mutex
	)
	ensureSync := func(conv model.Conversation) {
		syncsMu.Lock()
		defer syncsMu.Unlock()
		if _, ok := syncs[conv.ID]; ok {
			return
		}
		opts := chatsync.MessageSyncOptions{
			OnMessage: func(msg model.Message) {
				list.OnNewMessage(msg)
			},
		}
		s := chatsync.NewMessageSync(conv.ID, sess.UserID, syncCfg, mgr, tracker, apiClient, cache, opts, logger)
		s.Start(ctx)
		syncs[conv.ID] = s
	}

	list = chatsync.NewConversationList(sess.UserID, syncCfg, mgr, apiClient, cache,
		chatsync.ConversationListOptions{
			OnUpdate: func(convs []model.Conversation) {
				logger.Debug("conversation list updated", "count", len(convs))
				for _, conv := range convs {
					ensureSync(conv)
				}
			},
			OnSelectionClear: func(id string) {
				logger.Info("selected conversation deleted", "conversation", id)
			},
		}, logger)
	list.Start(ctx)
	defer func() {
		list.Stop()
		syncsMu.Lock()
		defer syncsMu.Unlock()
		for _, s := range syncs {
			s.Stop()
		}
	}()

	// Notification feed
	feed := notify.NewSync(notify.Config{PollInterval: cfg.Sync.PollInterval}, mgr, apiClient, cache,
		notify.Options{
			OnUpdate: func(_ []model.Notification, unread int) {
				logger.Debug("notification feed updated", "unread", unread)
			},
			OnError: func(op string, err error) {
				logger.Warn("notification mutation rolled back", "op", op, "error", err)
			},
		}, logger)
	feed.Start(ctx)
	defer feed.Stop()

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("chatwire running",
		"instance_id", cfg.Instance.ID,
		"user_id", sess.UserID,
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("chatwire stopped")
}
