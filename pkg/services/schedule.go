package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
	"github.com/openmdm/mdm-engine/pkg/models"
)

// ValidateSchedule checks that a configuration's schedule is well formed.
func ValidateSchedule(cfg *models.SourceTableConfig) error {
	switch cfg.ScheduleKind {
	case models.ScheduleKindInterval:
		if cfg.IntervalValue < 1 {
			return &apperrors.ValidationError{
				Field:  "interval_value",
				Reason: fmt.Sprintf("must be at least 1, got %d", cfg.IntervalValue),
			}
		}
		switch cfg.IntervalUnit {
		case models.IntervalUnitMinutes, models.IntervalUnitHours, models.IntervalUnitDays:
		default:
			return &apperrors.ValidationError{
				Field:  "interval_unit",
				Reason: fmt.Sprintf("unknown unit %q", cfg.IntervalUnit),
			}
		}
	case models.ScheduleKindCron:
		if _, err := cron.ParseStandard(cfg.CronExpr); err != nil {
			return &apperrors.ValidationError{
				Field:  "cron_expr",
				Reason: err.Error(),
			}
		}
	default:
		return &apperrors.ValidationError{
			Field:  "schedule_kind",
			Reason: fmt.Sprintf("unknown kind %q", cfg.ScheduleKind),
		}
	}
	return nil
}

// NextDue computes the next due time for a configuration from a reference
// time, using interval arithmetic or the cron expression's next occurrence.
func NextDue(cfg *models.SourceTableConfig, from time.Time) (time.Time, error) {
	switch cfg.ScheduleKind {
	case models.ScheduleKindInterval:
		var unit time.Duration
		switch cfg.IntervalUnit {
		case models.IntervalUnitMinutes:
			unit = time.Minute
		case models.IntervalUnitHours:
			unit = time.Hour
		case models.IntervalUnitDays:
			unit = 24 * time.Hour
		default:
			return time.Time{}, fmt.Errorf("unknown interval unit %q", cfg.IntervalUnit)
		}
		return from.Add(time.Duration(cfg.IntervalValue) * unit), nil

	case models.ScheduleKindCron:
		sched, err := cron.ParseStandard(cfg.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
		}
		return sched.Next(from), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", cfg.ScheduleKind)
	}
}
