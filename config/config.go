package config

import (
	"os"
	"time"

	"github.com/Clouded-Sabre/stcp/lib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk form of lib.ConnectionConfig. Durations use Go
// duration syntax ("200ms", "3s").
type Config struct {
	MSS                   int           `yaml:"mss"`
	WindowSize            int           `yaml:"windowSize"`
	HandshakeTimeout      time.Duration `yaml:"handshakeTimeout"`
	ListenTimeout         time.Duration `yaml:"listenTimeout"`
	RetransmitTimeout     time.Duration `yaml:"retransmitTimeout"`
	RTOEstimator          string        `yaml:"rtoEstimator"`
	RTOMin                time.Duration `yaml:"rtoMin"`
	RTOMax                time.Duration `yaml:"rtoMax"`
	MaxRetransmits        int           `yaml:"maxRetransmits"`
	TimeWaitDuration      time.Duration `yaml:"timeWaitDuration"`
	InitialSequenceNumber *uint32       `yaml:"initialSequenceNumber"`
}

// LoadConfig reads a yaml file. Keys that are absent keep their defaults.
func LoadConfig(path string) (*lib.ConnectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*lib.ConnectionConfig, error) {
	cfg := fromConnectionConfig(lib.DefaultConnectionConfig())
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	connConfig := cfg.ConnectionConfig()
	if err := connConfig.Validate(); err != nil {
		return nil, err
	}
	return connConfig, nil
}

func fromConnectionConfig(c *lib.ConnectionConfig) *Config {
	return &Config{
		MSS:                   c.MSS,
		WindowSize:            c.WindowSize,
		HandshakeTimeout:      c.HandshakeTimeout,
		ListenTimeout:         c.ListenTimeout,
		RetransmitTimeout:     c.RetransmitTimeout,
		RTOEstimator:          c.RTOEstimator,
		RTOMin:                c.RTOMin,
		RTOMax:                c.RTOMax,
		MaxRetransmits:        c.MaxRetransmits,
		TimeWaitDuration:      c.TimeWaitDuration,
		InitialSequenceNumber: c.InitialSequenceNumber,
	}
}

func (c *Config) ConnectionConfig() *lib.ConnectionConfig {
	return &lib.ConnectionConfig{
		MSS:                   c.MSS,
		WindowSize:            c.WindowSize,
		HandshakeTimeout:      c.HandshakeTimeout,
		ListenTimeout:         c.ListenTimeout,
		RetransmitTimeout:     c.RetransmitTimeout,
		RTOEstimator:          c.RTOEstimator,
		RTOMin:                c.RTOMin,
		RTOMax:                c.RTOMax,
		MaxRetransmits:        c.MaxRetransmits,
		TimeWaitDuration:      c.TimeWaitDuration,
		InitialSequenceNumber: c.InitialSequenceNumber,
	}
}
