// Package testutils 提供測試用的共用工具
//
// 包括：
//   - Redis 測試容器（分散式限流器的整合測試）
//   - NATS 測試容器（房間事件發布的整合測試）
//   - 記錄用的連線與事件發布者
//
// 測試容器會在測試結束時自動清理。
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisEnvironment 封裝 Redis 測試環境
type RedisEnvironment struct {
	Client    *redis.Client
	Container tc.Container
	Addr      string
}

// SetupRedis 啟動 Redis 測試容器
//
// 在 -short 模式或沒有可用的 Docker 時跳過測試。
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupRedis(t)
//	    // 使用 env.Client
//	}
func SetupRedis(t *testing.T) *RedisEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("跳過整合測試（-short）")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	env := &RedisEnvironment{Container: container}
	t.Cleanup(func() {
		env.Cleanup()
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.Addr = endpoint

	env.Client = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := env.Client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return env
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *RedisEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// Cleanup 清理測試環境
func (env *RedisEnvironment) Cleanup() {
	if env.Client != nil {
		_ = env.Client.Close()
	}
	if env.Container != nil {
		_ = env.Container.Terminate(context.Background())
	}
}

// NATSEnvironment 封裝 NATS 測試環境
type NATSEnvironment struct {
	Container tc.Container
	URL       string
}

// SetupNATS 啟動 NATS 測試容器
//
// 在 -short 模式或沒有可用的 Docker 時跳過測試。
func SetupNATS(t *testing.T) *NATSEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("跳過整合測試（-short）")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor: wait.ForLog("Server is ready").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}

	env := &NATSEnvironment{Container: container}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}
	env.URL = url

	return env
}
