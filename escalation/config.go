package escalation

import (
	"fmt"
	"time"
)

// Config holds the engine-wide fallbacks. Per-requester preference values win when set.
type Config struct {
	// DefaultResponseTimeout applies when neither the candidate nor the list sets one.
	DefaultResponseTimeout time.Duration `yaml:"default_response_timeout"`

	// MaxEscalationDuration caps the time from escalation start to the public switch.
	// Zero leaves escalation bounded only by the candidate timeouts.
	MaxEscalationDuration time.Duration `yaml:"max_escalation_duration"`

	// PublicReevaluationInterval is how long each public-pool handler holds the offer.
	PublicReevaluationInterval time.Duration `yaml:"public_reevaluation_interval"`
}

func DefaultConfig() Config {
	return Config{
		DefaultResponseTimeout:     5 * time.Minute,
		MaxEscalationDuration:      0,
		PublicReevaluationInterval: 15 * time.Minute,
	}
}

func (c *Config) Validate() error {
	if c.DefaultResponseTimeout < time.Second {
		return fmt.Errorf("default_response_timeout must be at least one second")
	}
	if c.MaxEscalationDuration < 0 {
		return fmt.Errorf("max_escalation_duration must not be negative")
	}
	if c.PublicReevaluationInterval < time.Second {
		return fmt.Errorf("public_reevaluation_interval must be at least one second")
	}
	return nil
}
