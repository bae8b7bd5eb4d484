package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BEEGRAM_"

// Duration is a time.Duration written as "1.2s" in TOML and the environment.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Client is a profile's client.toml.
type Client struct {
	ServerURL     string `toml:"server_url" env:"SERVER_URL"`
	// WSPath is the Socket.IO endpoint under ServerURL.
	WSPath        string `toml:"ws_path" env:"WS_PATH"`
	Origin        string `toml:"origin,omitempty" env:"ORIGIN"`
	SessionCookie string `toml:"session_cookie,omitempty" env:"SESSION_COOKIE"`
	Username      string `toml:"username,omitempty" env:"USERNAME"`
	Password      string `toml:"password,omitempty" env:"PASSWORD"`
	LogLevel      string `toml:"log_level" env:"LOG_LEVEL"`
	MetricsAddr   string `toml:"metrics_addr,omitempty" env:"METRICS_ADDR"`

	User          User          `toml:"user" envPrefix:"USER_"`
	Calls         Calls         `toml:"calls" envPrefix:"CALLS_"`
	Notifications Notifications `toml:"notifications" envPrefix:"NOTIFY_"`
	Reconnect     Reconnect     `toml:"reconnect" envPrefix:"RECONNECT_"`
}

// User is the local identity when a session cookie is configured directly.
type User struct {
	ID        int64  `toml:"id" env:"ID"`
	Username  string `toml:"username" env:"NAME"`
	Nickname  string `toml:"nickname,omitempty" env:"NICKNAME"`
	IsPremium bool   `toml:"is_premium" env:"PREMIUM"`
	IsAdmin   bool   `toml:"is_admin" env:"ADMIN"`
}

type Calls struct {
	Microphone bool        `toml:"microphone" env:"MICROPHONE"`
	ICEServers []ICEServer `toml:"ice_servers"`
}

type ICEServer struct {
	URLs       []string `toml:"urls"`
	Username   string   `toml:"username,omitempty"`
	Credential string   `toml:"credential,omitempty"`
}

type Notifications struct {
	MinInterval Duration `toml:"min_interval" env:"MIN_INTERVAL"`
}

type Reconnect struct {
	Initial    Duration `toml:"initial" env:"INITIAL"`
	Max        Duration `toml:"max" env:"MAX"`
	// MaxElapsed of zero retries until shutdown.
	MaxElapsed Duration `toml:"max_elapsed" env:"MAX_ELAPSED"`
}

// DefaultClient is used for every key the file and environment leave unset.
func DefaultClient() Client {
	return Client{
		ServerURL: "http://localhost:5000",
		WSPath:    "/socket.io/",
		LogLevel:  "info",
		Calls: Calls{
			Microphone: true,
			ICEServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Notifications: Notifications{MinInterval: Duration(1200 * time.Millisecond)},
		Reconnect: Reconnect{
			Initial: Duration(time.Second),
			Max:     Duration(30 * time.Second),
		},
	}
}

// LoadClient reads path over the defaults, then applies the environment.
// A missing file is not an error. environ nil means the process environment.
func LoadClient(path string, environ map[string]string) (Client, error) {
	cfg := DefaultClient()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Client{}, fmt.Errorf("read %s: %w", path, err)
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// Validate checks the settings needed to reach the server.
func (c Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url %q: must be an http or https URL", c.ServerURL)
	}
	switch {
	case c.Username != "" && c.Password != "":
	case c.SessionCookie != "" && c.User.ID != 0:
	case c.SessionCookie != "":
		return errors.New("session_cookie needs [user] id")
	default:
		return errors.New("no credentials: set username and password, or session_cookie with [user]")
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		return fmt.Errorf("reconnect: initial %s, max %s", c.Reconnect.Initial.Std(), c.Reconnect.Max.Std())
	}
	if c.Reconnect.MaxElapsed < 0 || c.Notifications.MinInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
