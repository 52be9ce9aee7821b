package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	EngineBadger = "badger"
	EngineSQLite = "sqlite"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type Storage struct {
	Engine         string `yaml:"engine"`         // badger or sqlite
	BadgerLogLevel string `yaml:"badgerLogLevel"` // only read by the badger engine
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Reads   RateLimiterConfig `yaml:"reads"`
	Writes  RateLimiterConfig `yaml:"writes"`
	Events  RateLimiterConfig `yaml:"events"`
	Default RateLimiterConfig `yaml:"default"`
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type Node struct {
	DataDir      string         `yaml:"dataDir"`
	HttpBinding  string         `yaml:"httpBinding"`
	ClientDomain string         `yaml:"clientDomain,omitempty"`
	Logging      Logging        `yaml:"logging"`
	Storage      Storage        `yaml:"storage"`
	TLS          TLS            `yaml:"tls"`
	SkipVerify   bool           `yaml:"clientSkipVerify"` // clients built from this config accept self-signed certs
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
	Sessions     SessionsConfig `yaml:"sessions"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrDataDirMissing                          = errors.New("dataDir is missing in config and is required for the record store")
	ErrHttpBindingMissing                      = errors.New("httpBinding is missing in config")
	ErrStorageEngineInvalid                    = errors.New("storage.engine must be 'badger' or 'sqlite'")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrRateLimitersReadsLimitMissing           = errors.New("rateLimiters.reads.limit is missing in config")
	ErrRateLimitersWritesLimitMissing          = errors.New("rateLimiters.writes.limit is missing in config")
	ErrRateLimitersEventsLimitMissing          = errors.New("rateLimiters.events.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrSessionsEventChannelSizeMissing         = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
)

func LoadConfig(configFile string) (*Node, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Node, error) {
	var cfg Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = EngineBadger
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Node) Validate() error {
	if cfg.DataDir == "" {
		return ErrDataDirMissing
	}
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if cfg.Storage.Engine != EngineBadger && cfg.Storage.Engine != EngineSQLite {
		return ErrStorageEngineInvalid
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if cfg.RateLimiters.Reads.Limit == 0 {
		return ErrRateLimitersReadsLimitMissing
	}
	if cfg.RateLimiters.Writes.Limit == 0 {
		return ErrRateLimitersWritesLimitMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}
	return nil
}

// GenerateConfig returns a single-node config suitable for local use.
func GenerateConfig() *Node {
	return &Node{
		DataDir:      "data/drive", // Relative path for easier default setup
		HttpBinding:  "127.0.0.1:7001",
		ClientDomain: "localhost",
		Logging:      Logging{Level: "info"},
		Storage: Storage{
			Engine:         EngineBadger,
			BadgerLogLevel: "warn",
		},
		RateLimiters: RateLimiters{
			Reads:   RateLimiterConfig{Limit: 100.0, Burst: 200},
			Writes:  RateLimiterConfig{Limit: 50.0, Burst: 100},
			Events:  RateLimiterConfig{Limit: 20.0, Burst: 40},
			Default: RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
	}
}
