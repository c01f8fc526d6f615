package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/game-relay/internal/config"
	"github.com/koopa0/game-relay/internal/events"
	"github.com/koopa0/game-relay/internal/game"
	"github.com/koopa0/game-relay/internal/handler"
	"github.com/koopa0/game-relay/internal/limiter"
	"github.com/koopa0/game-relay/internal/room"
	"github.com/koopa0/game-relay/internal/session"
	"github.com/koopa0/game-relay/internal/transport"
	"github.com/koopa0/game-relay/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置檔路徑（空字串表示使用預設值）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)，覆蓋配置檔")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)，覆蓋配置檔")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	log, closer, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		_ = closer.Close()
		os.Exit(1)
	}
	_ = closer.Close()
}

func run(cfg *config.Config, log *slog.Logger) error {
	// 確認規則名稱有效
	if _, err := game.New(cfg.Game.Rules); err != nil {
		return err
	}
	rulesName := cfg.Game.Rules
	newRules := func() game.Rules {
		r, _ := game.New(rulesName)
		return r
	}

	// Redis 只在限流器使用 redis 後端時連線
	var redisClient *redis.Client
	if cfg.Limiter.Enabled && cfg.Limiter.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("連接 Redis 失敗: %w", err)
		}
		log.Info("已連接 Redis", "addr", cfg.Redis.Addr)
	}

	lim := newLimiter(cfg, redisClient)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.Enabled {
		p, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		publisher = p
		log.Info("已連接 NATS", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	}
	defer closeQuietly(log, "NATS", publisher)

	registry := room.NewRegistry(newRules, publisher, log, room.Options{
		CaseSensitive: cfg.Rooms.CaseSensitive,
		MaxRooms:      cfg.Rooms.MaxRooms,
	})

	coordinator := session.NewCoordinator(registry, lim, log, session.Options{
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		MaxCodeLength:    cfg.Rooms.MaxCodeLength,
	})

	srv := session.NewServer(coordinator, registry, transport.Options{
		SendQueueSize:  cfg.Server.SendQueueSize,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxMessageSize: cfg.Server.MaxMessageSize,
	}, log)

	ln, err := net.Listen("tcp", cfg.Server.TCPAddr)
	if err != nil {
		return fmt.Errorf("監聽 %s 失敗: %w", cfg.Server.TCPAddr, err)
	}

	serverErrors := make(chan error, 2)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, session.ErrServerClosed) {
			serverErrors <- fmt.Errorf("tcp server: %w", err)
		}
	}()

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           handler.NewHandler(registry, coordinator, srv.ServeWS, log).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			log.Info("HTTP 服務器啟動", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	log.Info("遊戲中繼服務器啟動",
		"tcp_addr", cfg.Server.TCPAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"rules", rulesName,
		"limiter", limiterName(cfg),
		"nats", cfg.NATS.Enabled)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErrors:
		log.Error("服務器錯誤，開始關閉", "error", runErr)
	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先停止 HTTP（不再接受新的 WebSocket），再結束所有房間
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("HTTP 服務器關閉失敗", "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("遊戲服務器關閉失敗", "error", err)
	}

	log.Info("服務器已關閉")
	return runErr
}

// newLimiter 依配置建立握手限流器，停用時返回 nil
func newLimiter(cfg *config.Config, client *redis.Client) limiter.Limiter {
	if !cfg.Limiter.Enabled {
		return nil
	}
	if cfg.Limiter.Backend == "redis" {
		return limiter.NewDistributedTokenBucket(client, "relay:handshake:", cfg.Limiter.Capacity, cfg.Limiter.RefillRate)
	}
	return limiter.NewKeyed(cfg.Limiter.Capacity, cfg.Limiter.RefillRate, 100_000)
}

func limiterName(cfg *config.Config) string {
	if !cfg.Limiter.Enabled {
		return "disabled"
	}
	return cfg.Limiter.Backend
}

func closeQuietly(log *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("關閉失敗", "component", name, "error", err)
	}
}
