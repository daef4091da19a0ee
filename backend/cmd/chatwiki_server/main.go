package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chatwiki/backend/internal/auth"
	"chatwiki/backend/internal/broker"
	"chatwiki/backend/internal/cache"
	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/config"
	"chatwiki/backend/internal/gateway"
	"chatwiki/backend/internal/httpapi"
	"chatwiki/backend/internal/httpapi/handlers"
	"chatwiki/backend/internal/presence"
	"chatwiki/backend/internal/segment"
	"chatwiki/backend/internal/store"
	"chatwiki/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	gin.SetMode(gin.ReleaseMode)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("init config failed")
	}
	setupLogger(cfg)
	log.Info().Str("version", buildVersion).Str("commit", buildCommit).Int("port", cfg.Running.Port).Msg("chatwiki starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// === 段文件：补丁日志和聊天日志 ===
	dir, err := segment.OpenDir(cfg.Running.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	defer dir.Close()
	journal := store.NewSegmentJournal(dir)

	docOpt := collab.DocumentStoreOptions{Journal: journal, SnapshotEvery: cfg.Collab.SnapshotEvery}
	var users auth.UserRepository = auth.NewMemoryUsers()

	// === MySQL：用户、快照、页面目录（可选） ===
	if cfg.Mysql.DSN != "" {
		gdb, db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		defer db.Close()
		docOpt.Snapshots = store.NewSnapshotStore(db)
		docOpt.Catalog = store.NewPageCatalog(gdb)
		users = store.NewUserStore(db)
	} else {
		log.Warn().Msg("mysql not configured, users kept in memory")
	}
	docs := collab.NewDocumentStore(docOpt)

	// 预先加载已有页面，保证列表完整
	ids, err := journal.PageIDs()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, id := range ids {
		if err := docs.CheckPage(ctx, id); err != nil {
			log.Error().Err(err).Str("page", id).Msg("restore page failed")
		}
	}
	log.Info().Int("pages", len(ids)).Msg("pages restored")

	chat := chatlog.New(chatlog.Options{Pages: docs, Journal: journal, MaxContentLen: cfg.Collab.MaxMessageLen})

	// === Redis：在线状态镜像（可选） ===
	presOpt := presence.Options{
		SweepInterval:       cfg.Presence.SweepInterval,
		AwayThreshold:       cfg.Presence.AwayThreshold,
		DisconnectThreshold: cfg.Presence.DisconnectThreshold,
	}
	var remote handlers.RemoteRoster
	if len(cfg.Redis.Addrs) > 0 {
		// 多个地址时为集群客户端
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		mirror := cache.NewPresenceMirror(rdb)
		presOpt.Mirror = mirror
		remote = mirror
	}
	tracker := presence.NewTracker(presOpt)

	brokerOpt := broker.Options{
		Documents:      docs,
		Messages:       chat,
		Roster:         tracker,
		RecentMessages: cfg.Broker.RecentMessages,
	}

	// === Kafka：下游事件（可选） ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers*2),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		defer dispatcher.Close()
		brokerOpt.Sink = dispatcher
	}
	b := broker.New(brokerOpt)

	gw := gateway.New(gateway.Options{Tracker: tracker, Broker: b, QueueSize: cfg.Broker.QueueSize})
	manager := ws.NewManager(gw, collab.NewSemaphoreControl(cfg.Collab.Semaphore), ws.Options{
		RateLimit:      cfg.WS.RateLimit,
		Burst:          cfg.WS.Burst,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})

	secret := cfg.Auth.Secret
	if secret == "" {
		log.Warn().Msg("auth.secret not set, using development secret")
	}
	signer := auth.NewSigner(secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)

	r := httpapi.NewRouter(httpapi.Deps{
		Signer: signer,
		Auth:   auth.NewHandler(users, signer),
		Pages:  handlers.NewPageHandler(docs, chat, tracker, remote),
		WS:     manager.WebSocketConnect,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := tracker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		gw.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
