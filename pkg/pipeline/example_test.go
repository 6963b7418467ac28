package pipeline

import (
	"os"
	"testing"
	"time"

	"github.com/latoulicious/audiograph/pkg/logging"
)

// TestPipelineCreation tests the creation of a pipeline
func TestPipelineCreation(t *testing.T) {
	p, err := New(DefaultConfig(), logging.Nop())
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	if p.State() != StateIdle {
		t.Errorf("Expected initial state to be idle, got %s", p.State())
	}

	if p.ID() == "" {
		t.Error("Pipeline ID should not be empty")
	}

	other, err := New(nil, logging.Nop())
	if err != nil {
		t.Fatalf("Nil config should fall back to defaults: %v", err)
	}
	if other.ID() == p.ID() {
		t.Error("Pipeline IDs should be unique")
	}
}

// TestPipelineConfiguration tests configuration validation
func TestPipelineConfiguration(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Errorf("Default configuration should be valid: %v", err)
	}

	invalidConfig := DefaultConfig()
	invalidConfig.RingBufferSize = -1
	invalidConfig.Events.QueueSize = 0
	if err := invalidConfig.Validate(); err == nil {
		t.Error("Invalid configuration should fail validation")
	}

	if _, err := New(invalidConfig, logging.Nop()); err == nil {
		t.Error("New should reject an invalid configuration")
	}
}

// TestLoadFromEnvironment tests environment overrides
func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_RINGBUFFER_SIZE", "2048")
	t.Setenv("PIPELINE_CONTROL_TIMEOUT", "750ms")
	t.Setenv("PIPELINE_EVENTS_QUEUE_SIZE", "64")
	t.Setenv("PIPELINE_LOG_LEVEL", "debug")
	os.Unsetenv("PIPELINE_LOG_FORMAT")

	config := DefaultConfig()
	if err := config.LoadFromEnvironment(); err != nil {
		t.Fatalf("LoadFromEnvironment failed: %v", err)
	}

	if config.RingBufferSize != 2048 {
		t.Errorf("Expected ring buffer size 2048, got %d", config.RingBufferSize)
	}
	if config.ControlTimeout != 750*time.Millisecond {
		t.Errorf("Expected control timeout 750ms, got %s", config.ControlTimeout)
	}
	if config.Events.QueueSize != 64 {
		t.Errorf("Expected queue size 64, got %d", config.Events.QueueSize)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", config.Logging.Level)
	}
	if config.Logging.Format != "json" {
		t.Errorf("Unset variables should keep defaults, got format %q", config.Logging.Format)
	}
}

// TestStateStrings tests state names used in logs and metrics
func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateIdle:    "idle",
		StateRunning: "running",
		StatePaused:  "paused",
		StateStopped: "stopped",
		State(99):    "unknown",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("Expected %q, got %q", want, state.String())
		}
	}
}
