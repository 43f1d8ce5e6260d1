package redmux

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config carries the knobs of a Conn. The zero value is not useful; start
// from DefaultConfig or LoadConfig.
type Config struct {
	// ReconnectWait is how long Run sleeps between connection attempts.
	// Zero or negative disables reconnection, making Run return on the
	// first fatal session error.
	ReconnectWait time.Duration `env:"REDMUX_RECONNECT_WAIT,default=1s"`

	// HealthCheckInterval is the PING liveness period. Zero disables health
	// checking.
	HealthCheckInterval time.Duration `env:"REDMUX_HEALTH_CHECK_INTERVAL,default=2s"`

	// HandshakeTimeout bounds how long a written HELLO may wait for its
	// reply before the session is failed. Zero disables the bound.
	HandshakeTimeout time.Duration `env:"REDMUX_HANDSHAKE_TIMEOUT,default=10s"`

	// ReadBufferMax caps the size of a single parsed protocol element. A
	// stream exceeding it fails the session. Zero means no cap.
	ReadBufferMax int `env:"REDMUX_READ_BUFFER_MAX"`

	// Request holds the defaults applied by NewDefaultRequest.
	Request RequestConfig `env:",prefix=REDMUX_REQUEST_"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		ReconnectWait:       1 * time.Second,
		HealthCheckInterval: 2 * time.Second,
		HandshakeTimeout:    10 * time.Second,
	}
}

// LoadConfig builds a Config from the environment, after loading a .env
// file if one is present in the working directory.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	config := Config{}
	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// NewDefaultRequest returns an empty Request carrying the config's default
// request behavior.
func (cfg Config) NewDefaultRequest() *Request {
	return NewRequest(cfg.Request)
}
