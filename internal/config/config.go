package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	JWT        JWTConfig        `mapstructure:"jwt" yaml:"jwt"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Hub        HubConfig        `mapstructure:"hub" yaml:"hub"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port,
	)
}

// RedisConfig 在线状态镜像（可选）
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	PoolSize int           `mapstructure:"pool_size" yaml:"pool_size"`
	KeyTTL   time.Duration `mapstructure:"key_ttl" yaml:"key_ttl"`
}

// KafkaConfig 领域事件流（可选）
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers  []string `mapstructure:"brokers" yaml:"brokers"`
	Topic    string   `mapstructure:"topic" yaml:"topic"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// HubConfig 实时连接层配置
type HubConfig struct {
	SendBufferSize             int           `mapstructure:"send_buffer_size" yaml:"send_buffer_size"`
	MaxMessageBytes            int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	PongWait                   time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	WriteWait                  time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	SingleSessionPerConnection bool          `mapstructure:"single_session_per_connection" yaml:"single_session_per_connection"`
	HistoryPageSize            int           `mapstructure:"history_page_size" yaml:"history_page_size"`
	AllowedOrigins             []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SessionConfig 会话生命周期配置
type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	IdleSweepInterval time.Duration `mapstructure:"idle_sweep_interval" yaml:"idle_sweep_interval"`
	DefaultChannel    string        `mapstructure:"default_channel" yaml:"default_channel"`
}

// EventsConfig 事件投递（队列 + 熔断）
type EventsConfig struct {
	QueueSize      int                  `mapstructure:"queue_size" yaml:"queue_size"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool     `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int      `mapstructure:"burst" yaml:"burst"`
	KeyHeader         string   `mapstructure:"key_header" yaml:"key_header"`
	Whitelist         []string `mapstructure:"whitelist" yaml:"whitelist"`
}

// Load 在默认配置之上叠加 viper 中读取到的值
func Load() *Config {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "supportdesk",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			KeyTTL:   24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Enabled:  false,
			Brokers:  []string{"localhost:9092"},
			Topic:    "supportdesk.chat.events",
			ClientID: "supportdesk",
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/supportdesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Hub: HubConfig{
			SendBufferSize:             256,
			MaxMessageBytes:            8 * 1024,
			PongWait:                   60 * time.Second,
			WriteWait:                  10 * time.Second,
			SingleSessionPerConnection: true,
			HistoryPageSize:            50,
		},
		Session: SessionConfig{
			InactivityTimeout: 30 * time.Minute,
			IdleSweepInterval: time.Minute,
			DefaultChannel:    "Web",
		},
		Events: EventsConfig{
			QueueSize: 1024,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "supportdesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
	}
}
