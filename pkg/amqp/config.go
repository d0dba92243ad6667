package amqp

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the connection parameters and negotiation preferences.
// A zero FrameMax or Heartbeat means "no client preference": the
// server's tune value wins. A zero ChannelMax is replaced by the default
// of 256 when the config is used to dial or open.
type Config struct {
	Host        string
	Port        int
	VirtualHost string

	// Negotiation preferences sent in tune-ok after applying the
	// both-nonzero-minimum rule against the server's tune values.
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16 // seconds

	// ConnectTimeout bounds the TCP dial and every handshake wait.
	ConnectTimeout time.Duration

	// AuthParams feed the mechanism's AuthProvider. The MECHANISM key
	// selects the provider.
	AuthParams map[string]string

	// Locales in preference order; the first one the server advertises
	// is selected, else the server's first.
	Locales []string

	// Properties are merged into the client-properties table sent in
	// start-ok.
	Properties map[string]interface{}
}

// DefaultConfig returns the stock parameters: guest@localhost:5672 on
// vhost "/" with no frame or heartbeat preference.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           5672,
		VirtualHost:    "/",
		ChannelMax:     256,
		FrameMax:       0,
		Heartbeat:      0,
		ConnectTimeout: 5 * time.Second,
		AuthParams:     defaultAuthParams(),
		Locales:        []string{"en_US"},
	}
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// fileConfig maps config.toml keys to Config fields.
type fileConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	VirtualHost    string   `toml:"virtual_host"`
	ChannelMax     int      `toml:"channel_max"`
	FrameMax       int      `toml:"frame_max"`
	Heartbeat      int      `toml:"heartbeat"`
	ConnectTimeout string   `toml:"connect_timeout"`
	Mechanism      string   `toml:"auth_mechanism"`
	Login          string   `toml:"auth_login"`
	Password       string   `toml:"auth_password"`
	Locales        []string `toml:"locales"`
}

// LoadConfig reads a TOML file and overlays it on the defaults. Only
// keys present in the file override.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load amqp config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("virtual_host") {
		cfg.VirtualHost = raw.VirtualHost
	}
	if meta.IsDefined("channel_max") {
		cfg.ChannelMax = uint16(raw.ChannelMax)
	}
	if meta.IsDefined("frame_max") {
		cfg.FrameMax = uint32(raw.FrameMax)
	}
	if meta.IsDefined("heartbeat") {
		cfg.Heartbeat = uint16(raw.Heartbeat)
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("load amqp config: connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("auth_mechanism") {
		cfg.AuthParams[ParamMechanism] = strings.TrimSpace(raw.Mechanism)
	}
	if meta.IsDefined("auth_login") {
		cfg.AuthParams[ParamLogin] = raw.Login
	}
	if meta.IsDefined("auth_password") {
		cfg.AuthParams[ParamPassword] = raw.Password
	}
	if meta.IsDefined("locales") {
		cfg.Locales = raw.Locales
	}
	return cfg, nil
}

// withDefaults fills unset fields so a zero Config still dials.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.VirtualHost == "" {
		c.VirtualHost = d.VirtualHost
	}
	if c.ChannelMax == 0 {
		c.ChannelMax = d.ChannelMax
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.AuthParams == nil {
		c.AuthParams = defaultAuthParams()
	}
	if c.AuthParams[ParamMechanism] == "" {
		c.AuthParams[ParamMechanism] = "AMQPLAIN"
	}
	if len(c.Locales) == 0 {
		c.Locales = d.Locales
	}
	return c
}
