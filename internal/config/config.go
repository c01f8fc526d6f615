// Package config 載入遊戲中繼服務的配置
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		TCPAddr          string        `yaml:"tcp_addr"`
		HTTPAddr         string        `yaml:"http_addr"` // 管理 API + WebSocket，空字串表示停用
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 表示不限制
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendQueueSize    int           `yaml:"send_queue_size"`
		MaxMessageSize   int           `yaml:"max_message_size"`
	} `yaml:"server"`

	Rooms struct {
		CaseSensitive bool `yaml:"case_sensitive"`
		MaxCodeLength int  `yaml:"max_code_length"`
		MaxRooms      int  `yaml:"max_rooms"` // 0 表示不限制
	} `yaml:"rooms"`

	Game struct {
		Rules string `yaml:"rules"` // tictactoe 或 relay
	} `yaml:"game"`

	Limiter struct {
		Enabled    bool   `yaml:"enabled"`
		Backend    string `yaml:"backend"` // memory 或 redis
		Capacity   int64  `yaml:"capacity"`
		RefillRate int64  `yaml:"refill_rate"` // 每秒
	} `yaml:"limiter"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 返回預設配置
//
// TCP 預設 9999 埠，房間代碼預設不分大小寫。
func Default() *Config {
	cfg := &Config{}

	cfg.Server.TCPAddr = ":9999"
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.HandshakeTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.SendQueueSize = 256
	cfg.Server.MaxMessageSize = 64 * 1024

	cfg.Rooms.MaxCodeLength = 32

	cfg.Game.Rules = "tictactoe"

	cfg.Limiter.Backend = "memory"
	cfg.Limiter.Capacity = 20
	cfg.Limiter.RefillRate = 5

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.MinIdleConns = 2
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 100 * time.Millisecond
	cfg.Redis.WriteTimeout = 100 * time.Millisecond

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "relay.rooms"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 載入配置檔案
//
// 空路徑只使用預設值；配置檔中未出現的欄位保留預設值。
// 最後套用環境變數覆蓋並驗證。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 從環境變量覆蓋配置
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_TCP_ADDR"); v != "" {
		c.Server.TCPAddr = v
	}
	if v, ok := os.LookupEnv("RELAY_HTTP_ADDR"); ok {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("RELAY_RULES"); v != "" {
		c.Game.Rules = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.TCPAddr == "" {
		errs = append(errs, errors.New("server.tcp_addr is required"))
	}
	if c.Server.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("server.handshake_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("server.idle_timeout must not be negative"))
	}
	if c.Server.SendQueueSize <= 0 {
		errs = append(errs, errors.New("server.send_queue_size must be positive"))
	}
	if c.Server.MaxMessageSize < 512 {
		errs = append(errs, errors.New("server.max_message_size must be at least 512"))
	}
	if c.Rooms.MaxCodeLength <= 0 {
		errs = append(errs, errors.New("rooms.max_code_length must be positive"))
	}
	if c.Rooms.MaxRooms < 0 {
		errs = append(errs, errors.New("rooms.max_rooms must not be negative"))
	}
	if c.Game.Rules == "" {
		errs = append(errs, errors.New("game.rules is required"))
	}
	if c.Limiter.Enabled {
		if c.Limiter.Backend != "memory" && c.Limiter.Backend != "redis" {
			errs = append(errs, fmt.Errorf("limiter.backend %q must be memory or redis", c.Limiter.Backend))
		}
		if c.Limiter.Capacity <= 0 || c.Limiter.RefillRate <= 0 {
			errs = append(errs, errors.New("limiter.capacity and limiter.refill_rate must be positive"))
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	return errors.Join(errs...)
}
