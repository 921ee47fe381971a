package config

import (
	"reflect"
	"strings"

	logx "jpdbq/pkg/logx"
)

// Section names reported by Summarize.
const (
	SectionAPI         = "api"
	SectionQueue       = "queue"
	SectionLogging     = "logging"
	SectionStorage     = "storage"
	SectionSchedules   = "schedules"
	SectionDiagnostics = "diagnostics"
	SectionTimezone    = "timezone"
)

// Summarize lists the sections that differ between two configs, plus log
// fields safe to print (the token is reduced to a token_set flag).
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	fields := make([]logx.Field, 0, 12)

	if oldCfg.API != newCfg.API {
		changed = append(changed, SectionAPI)
		fields = append(fields,
			logx.String("api.base_url", newCfg.API.BaseURL),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
			logx.String("api.timeout", newCfg.API.Timeout),
			logx.Any("api.max_rps", newCfg.API.MaxRPS),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, SectionQueue)
		fields = append(fields,
			logx.String("queue.api_delay", newCfg.Queue.APIDelay),
			logx.String("queue.scrape_delay", newCfg.Queue.ScrapeDelay),
			logx.String("queue.failure_backoff", newCfg.Queue.FailureBackoff),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
	}
	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, SectionSchedules)
		fields = append(fields, logx.Int("schedules", len(newCfg.Schedules)))
	}
	if !reflect.DeepEqual(oldCfg.Diagnostics, newCfg.Diagnostics) {
		changed = append(changed, SectionDiagnostics)
	}
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, SectionTimezone)
		fields = append(fields, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}
	return changed, fields
}
