package pipeline

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
	"github.com/latoulicious/audiograph/pkg/ringbuf"
)

// Config contains the pipeline graph configuration
type Config struct {
	// RingBufferSize sizes links whose upstream element does not request a
	// size of its own.
	RingBufferSize int `envconfig:"RINGBUFFER_SIZE" json:"ringbuffer_size"`
	// ControlTimeout bounds Stop when the caller's context has no deadline.
	ControlTimeout time.Duration `envconfig:"CONTROL_TIMEOUT" json:"control_timeout"`

	Events  event.Config   `envconfig:"EVENTS" json:"events"`
	Logging logging.Config `envconfig:"LOG" json:"logging"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RingBufferSize: 8 * 1024,
		ControlTimeout: 5 * time.Second,
		Events:         event.DefaultConfig(),
		Logging:        logging.DefaultConfig(),
	}
}

// LoadFromEnvironment overrides fields from PIPELINE_* variables. Unset
// variables keep the current values.
func (c *Config) LoadFromEnvironment() error {
	if err := envconfig.Process("PIPELINE", c); err != nil {
		return fmt.Errorf("failed to load pipeline configuration: %w", err)
	}
	return nil
}

// Validate validates the configuration and returns any errors
func (c *Config) Validate() error {
	var errors []string

	if c.RingBufferSize <= 0 || c.RingBufferSize > ringbuf.MaxSize {
		errors = append(errors, fmt.Sprintf("ringbuffer_size must be between 1 and %d", ringbuf.MaxSize))
	}

	if c.ControlTimeout <= 0 {
		errors = append(errors, "control_timeout must be > 0")
	}

	if err := c.Events.Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.Logging.Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}
