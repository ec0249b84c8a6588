// Package config loads the ordertalk client configuration: a JSON file with
// an environment-variable overlay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Channel ChannelConfig `json:"channel"`
	Chat    ChatConfig    `json:"chat"`
	Carrier CarrierConfig `json:"carrier,omitzero"`
}

// GatewayConfig configures the send API client.
type GatewayConfig struct {
	BaseURL        string `json:"base_url" env:"ORDERTALK_GATEWAY_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"ORDERTALK_GATEWAY_TIMEOUT"`
}

// ChannelConfig configures the push-channel connection and its bounded
// reconnect policy.
type ChannelConfig struct {
	URL                   string `json:"url" env:"ORDERTALK_CHANNEL_URL"`
	ReconnectAttempts     int    `json:"reconnect_attempts" env:"ORDERTALK_RECONNECT_ATTEMPTS"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_seconds" env:"ORDERTALK_RECONNECT_DELAY"`
	PingIntervalSeconds   int    `json:"ping_interval_seconds" env:"ORDERTALK_PING_INTERVAL"`
}

// ChatConfig configures message construction defaults.
type ChatConfig struct {
	SenderRole         string `json:"sender_role" env:"ORDERTALK_SENDER_ROLE"`
	MaxAttachmentBytes int64  `json:"max_attachment_bytes" env:"ORDERTALK_MAX_ATTACHMENT_BYTES"`
}

// CarrierConfig configures the carrier webhook endpoint.
type CarrierConfig struct {
	WebhookKey string `json:"webhook_key,omitempty" env:"ORDERTALK_WEBHOOK_KEY"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:        "http://localhost:8080/api",
			TimeoutSeconds: 15,
		},
		Channel: ChannelConfig{
			URL:                   "ws://localhost:8080/channel",
			ReconnectAttempts:     5,
			ReconnectDelaySeconds: 1,
			PingIntervalSeconds:   30,
		},
		Chat: ChatConfig{
			SenderRole:         "dispatcher",
			MaxAttachmentBytes: 10 << 20,
		},
	}
}

// LoadConfig reads the config file at path and applies environment
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("channel.url is required")
	}
	if c.Channel.ReconnectAttempts < 0 {
		return fmt.Errorf("channel.reconnect_attempts must not be negative")
	}
	return nil
}
