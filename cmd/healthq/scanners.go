package main

import (
	"github.com/rs/zerolog"

	"healthq/internal/config"
	"healthq/internal/domain"
	"healthq/internal/metrics"
	"healthq/internal/scheduler"
)

type scannerSpec struct {
	name string
	kind domain.DigestKind
	mode scheduler.Mode
	expr string
}

func buildScanners(cfg *config.Config, store scheduler.Store, users scheduler.Subscribers, q scheduler.Enqueuer, log zerolog.Logger, m *metrics.Metrics) ([]*scheduler.Scanner, error) {
	specs := []scannerSpec{
		{"weekly", domain.DigestWeekly, scheduler.ModeWindow, cfg.WeeklySchedule},
		{"monthly", domain.DigestMonthly, scheduler.ModeWindow, cfg.MonthlySchedule},
		{"yearly", domain.DigestYearly, scheduler.ModeWindow, cfg.YearlySchedule},
		{"monthly-queue", domain.DigestMonthly, scheduler.ModeQueue, cfg.MonthlyQueueSchedule},
	}

	var out []*scheduler.Scanner
	for _, s := range specs {
		if s.expr == "" {
			continue
		}
		w, err := scheduler.ParseWindow(s.expr, cfg.ScheduleTimezone, cfg.WindowGrace)
		if err != nil {
			return nil, err
		}
		sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
			Name:   s.name,
			Kind:   s.kind,
			Mode:   s.mode,
			Window: w,
			Batch:  cfg.ScanBatchSize,
		}, store, users, q, scheduler.WithLogger(log), scheduler.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}
