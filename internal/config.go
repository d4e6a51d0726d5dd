package internal

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	// Capacity limits.
	MaxConnectionsPerUser int `env:"MAX_CONNECTIONS_PER_USER,required=true" validate:"gt=0"`
	MaxMessagesPerMinute  int `env:"MAX_MESSAGES_PER_MINUTE,required=true" validate:"gt=0"`
	MaxMessageLength      int `env:"MAX_MESSAGE_LENGTH,required=true" validate:"gt=0"`
	MaxRoomsPerUser       int `env:"MAX_ROOMS_PER_USER,required=true" validate:"gt=0"`
	MaxMembersPerRoom     int `env:"MAX_MEMBERS_PER_ROOM,required=true" validate:"gt=0"`

	// Liveness policy.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,required=true"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT,required=true"`

	// Drain and delivery bounds.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,required=true"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT,default=2s"`

	RateWindow           time.Duration `env:"RATE_WINDOW,default=60s"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64" validate:"gt=0"`
	HistoryPageSize      int           `env:"HISTORY_PAGE_SIZE,default=50" validate:"gt=0"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	MetricInterval       time.Duration `env:"METRIC_INTERVAL,default=5s"`

	BadgerFilepath  string `env:"BADGER_FILEPATH,required=true"`
	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`
	JWTSecret       string `env:"JWT_SECRET,required=true" validate:"min=16"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
	Host            string `env:"HOST,default=localhost"`
	Port            int    `env:"PORT,default=8080"`
}

var validate = validator.New()

// Validate applies the struct tags plus the cross-field liveness sanity
// check: a timeout shorter than the heartbeat interval would evict
// every healthy client.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("CONNECTION_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			c.ConnectionTimeout, c.HeartbeatInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// CharacterRune converts the replacement setting into a single rune.
func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
