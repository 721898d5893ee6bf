package trigger

import (
	"fmt"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// Config bounds trigger windows and fire spacing.
type Config struct {
	MinInterval time.Duration
	MinWindow   time.Duration
	MaxWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinInterval: time.Hour,
		MinWindow:   15 * time.Minute,
		MaxWindow:   30 * time.Minute,
	}
}

// CheckConfiguration rejects bounds under which two consecutive windows of
// one trigger could overlap.
func CheckConfiguration(cfg Config) error {
	if cfg.MinInterval <= 0 || cfg.MinWindow <= 0 || cfg.MaxWindow <= 0 {
		return fmt.Errorf("%w: min interval, min window and max window must be positive", domain.ErrInvalidInput)
	}
	if cfg.MinWindow >= cfg.MaxWindow {
		return fmt.Errorf("%w: min window (%s) must be less than max window (%s)",
			domain.ErrInvalidInput, cfg.MinWindow, cfg.MaxWindow)
	}
	if 2*cfg.MaxWindow > cfg.MinInterval {
		return fmt.Errorf("%w: min interval (%s) must be at least twice the max window (%s)",
			domain.ErrInvalidInput, cfg.MinInterval, cfg.MaxWindow)
	}
	return nil
}
