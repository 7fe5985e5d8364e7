package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Refresh controls the background refresh loop (tick cadence, workers,
	// backoff, result retention).
	Refresh RefreshConfig `json:"refresh"`

	// Notifier enables failure alerts over Telegram. Omit to disable.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// DataSources and Queries seed the metadata store on startup. Entries
	// already present (matched by name / by data source + text) are left alone.
	DataSources []DataSourceConfig `json:"data_sources,omitempty"`
	Queries     []QueryConfig      `json:"queries,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the metadata database (queries, results, sources).
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RefreshConfig controls the refresh service.
//
// All durations are Go duration strings (e.g. "30s", "10m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - tick_every: "30s"
//   - exec_timeout: "10m"
//   - stale_after: "10m"
//   - backoff_cap: 64
//   - result_retention: "168h"
//   - gc_schedule: "@every 1h"
type RefreshConfig struct {
	Enabled   bool `json:"enabled"`
	Workers   int  `json:"workers,omitempty"`
	QueueSize int  `json:"queue_size,omitempty"`

	TickEvery   string `json:"tick_every,omitempty"`
	ExecTimeout string `json:"exec_timeout,omitempty"`

	// StaleAfter bounds how long an execution may stay marked in-flight
	// before the janitor reclaims it.
	StaleAfter string `json:"stale_after,omitempty"`

	// BackoffCap caps the failure multiplier applied to schedule intervals.
	BackoffCap int `json:"backoff_cap,omitempty"`
	// BackoffExactTime also delays daily exact-time schedules after failures.
	BackoffExactTime bool `json:"backoff_exact_time,omitempty"`

	// ResultRetention and GCSchedule control pruning of unreferenced results.
	// GCSchedule is a cron expression ("@every 1h", "0 3 * * *").
	ResultRetention string `json:"result_retention,omitempty"`
	GCSchedule      string `json:"gc_schedule,omitempty"`

	// SourceRatePerSec throttles executions per data source. 0 disables.
	SourceRatePerSec float64 `json:"source_rate_per_sec,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// NotifierConfig controls Telegram failure alerts.
type NotifierConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // bot token (do not log)
	ChatID  int64  `json:"chat_id"`

	// FailureThreshold alerts only once a query's consecutive failure count
	// reaches this value. 0 means alert on every failure.
	FailureThreshold int `json:"failure_threshold,omitempty"`
}

type DataSourceConfig struct {
	Name   string  `json:"name"`
	Kind   string  `json:"kind"` // postgres, mysql, sqlserver, sqlite
	DSN    string  `json:"dsn"`
	OrgID  int64   `json:"org_id,omitempty"` // default 1
	Groups []int64 `json:"groups,omitempty"`
}

type QueryConfig struct {
	DataSource string `json:"data_source"` // name reference
	Text       string `json:"text"`
	Schedule   string `json:"schedule,omitempty"` // seconds or "HH:MM"
	Draft      bool   `json:"draft,omitempty"`
}
