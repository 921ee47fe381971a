package app

import (
	"jpdbq/internal/config"
	"jpdbq/internal/jpdb"
	"jpdbq/internal/schedule"
	"jpdbq/internal/storage"
	logx "jpdbq/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func storageConfig(s config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		BusyTimeout: s.StorageBusyTimeout,
		MaxRows:     s.StorageMaxRows,
	}
}

func clientConfig(s config.Settings) jpdb.Config {
	return jpdb.Config{
		BaseURL:     s.BaseURL,
		Token:       s.Token,
		UserAgent:   s.UserAgent,
		Timeout:     s.Timeout,
		MaxRPS:      s.MaxRPS,
		APIDelay:    s.APIDelay,
		ScrapeDelay: s.ScrapeDelay,
	}
}

func scheduleEntries(s config.Settings) []schedule.Entry {
	out := make([]schedule.Entry, 0, len(s.Schedules))
	for _, sc := range s.Schedules {
		out = append(out, schedule.Entry{
			Name:    sc.Name,
			Spec:    sc.Spec,
			Action:  sc.Action,
			Enabled: sc.IsEnabled(),
		})
	}
	return out
}
