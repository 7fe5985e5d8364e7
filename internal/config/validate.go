package config

import (
	"fmt"
	"strings"

	"refreshd/internal/query"
)

// Validate checks cross-field constraints the JSON decoder cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"refresh.tick_every", c.Refresh.TickEvery},
		{"refresh.exec_timeout", c.Refresh.ExecTimeout},
		{"refresh.stale_after", c.Refresh.StaleAfter},
		{"refresh.result_retention", c.Refresh.ResultRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Refresh.Workers < 0 || c.Refresh.QueueSize < 0 || c.Refresh.BackoffCap < 0 {
		return fmt.Errorf("refresh: workers, queue_size and backoff_cap must be >= 0")
	}

	if n := c.Notifier; n != nil && n.Enabled && strings.TrimSpace(n.Token) == "" {
		return fmt.Errorf("notifier.token: required when notifier is enabled")
	}

	names := make(map[string]bool, len(c.DataSources))
	for i, ds := range c.DataSources {
		if strings.TrimSpace(ds.Name) == "" {
			return fmt.Errorf("data_sources[%d].name: required", i)
		}
		if names[ds.Name] {
			return fmt.Errorf("data_sources[%d]: duplicate name %q", i, ds.Name)
		}
		names[ds.Name] = true
		if strings.TrimSpace(ds.Kind) == "" {
			return fmt.Errorf("data_sources[%d] (%s): kind is required", i, ds.Name)
		}
		if strings.TrimSpace(ds.DSN) == "" {
			return fmt.Errorf("data_sources[%d] (%s): dsn is required", i, ds.Name)
		}
	}

	for i, q := range c.Queries {
		if !names[q.DataSource] {
			return fmt.Errorf("queries[%d]: unknown data source %q", i, q.DataSource)
		}
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("queries[%d]: text is required", i)
		}
		if q.Schedule != "" {
			if _, err := query.ParseSchedule(q.Schedule); err != nil {
				return fmt.Errorf("queries[%d]: %w", i, err)
			}
		}
	}
	return nil
}
