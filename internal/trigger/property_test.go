package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/timeformat"
)

func validDefinition() domain.TriggerDefinition {
	return domain.TriggerDefinition{
		Format:    timeformat.FormatCrontab,
		Pattern:   "0 * * * *",
		StartTime: "2024-01-15 10:00:00",
	}
}

func TestCheckDefinition_Valid(t *testing.T) {
	prop, err := CheckDefinition(validDefinition(), DefaultConfig(), timeformat.NewRegistry())
	if err != nil {
		t.Fatalf("CheckDefinition: %v", err)
	}
	if prop.Window != DefaultConfig().MinWindow {
		t.Errorf("window = %v, want min window", prop.Window)
	}
	if !prop.Start.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", prop.Start)
	}
	if prop.End != nil {
		t.Errorf("end = %v, want nil", prop.End)
	}

	next, ok := prop.Next(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	if !ok || !next.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Next = %v, %v; want start", next, ok)
	}
}

func TestCheckDefinition_RFC3339Times(t *testing.T) {
	def := validDefinition()
	def.StartTime = "2024-01-15T10:00:00Z"
	def.EndTime = "2024-01-15T12:30:00Z"
	def.Window = 1200

	prop, err := CheckDefinition(def, DefaultConfig(), timeformat.NewRegistry())
	if err != nil {
		t.Fatalf("CheckDefinition: %v", err)
	}
	if prop.Window != 20*time.Minute {
		t.Errorf("window = %v, want 20m", prop.Window)
	}

	if _, ok := prop.Next(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)); ok {
		t.Error("expected no fire after end time")
	}
}

func TestCheckDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.TriggerDefinition)
	}{
		{"missing format", func(d *domain.TriggerDefinition) { d.Format = "" }},
		{"unknown format", func(d *domain.TriggerDefinition) { d.Format = "iso8601" }},
		{"missing pattern", func(d *domain.TriggerDefinition) { d.Pattern = "" }},
		{"bad pattern", func(d *domain.TriggerDefinition) { d.Pattern = "61 * * * *" }},
		{"missing start", func(d *domain.TriggerDefinition) { d.StartTime = "" }},
		{"bad start", func(d *domain.TriggerDefinition) { d.StartTime = "yesterday" }},
		{"end before start", func(d *domain.TriggerDefinition) { d.EndTime = "2024-01-15 09:00:00" }},
		{"end equals start", func(d *domain.TriggerDefinition) { d.EndTime = d.StartTime }},
		{"window too small", func(d *domain.TriggerDefinition) { d.Window = 60 }},
		{"window too large", func(d *domain.TriggerDefinition) { d.Window = 3600 }},
		{"fires too often", func(d *domain.TriggerDefinition) { d.Pattern = "*/30 * * * *" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			_, err := CheckDefinition(def, DefaultConfig(), timeformat.NewRegistry())
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCheckDefinition_Calendar(t *testing.T) {
	def := domain.TriggerDefinition{
		Format:    timeformat.FormatCalendar,
		Pattern:   "BEGIN:VEVENT\nRRULE:FREQ=DAILY;BYHOUR=2;BYMINUTE=0\nEND:VEVENT",
		StartTime: "2024-01-15 00:00:00",
	}
	prop, err := CheckDefinition(def, DefaultConfig(), timeformat.NewRegistry())
	if err != nil {
		t.Fatalf("CheckDefinition: %v", err)
	}
	next, ok := prop.Next(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	if !ok || !next.Equal(time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("Next = %v, %v", next, ok)
	}
}
