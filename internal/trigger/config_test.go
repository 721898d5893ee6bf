package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

func TestCheckConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"interval exactly twice max window", Config{MinInterval: time.Hour, MinWindow: 10 * time.Minute, MaxWindow: 30 * time.Minute}, false},
		{"min window equals max window", Config{MinInterval: time.Hour, MinWindow: 30 * time.Minute, MaxWindow: 30 * time.Minute}, true},
		{"min window above max window", Config{MinInterval: time.Hour, MinWindow: 20 * time.Minute, MaxWindow: 10 * time.Minute}, true},
		{"interval below twice max window", Config{MinInterval: 59 * time.Minute, MinWindow: 15 * time.Minute, MaxWindow: 30 * time.Minute}, true},
		{"zero interval", Config{MinWindow: 15 * time.Minute, MaxWindow: 30 * time.Minute}, true},
		{"negative window", Config{MinInterval: time.Hour, MinWindow: -time.Minute, MaxWindow: 30 * time.Minute}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckConfiguration(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckConfiguration() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
