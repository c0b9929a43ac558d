// Package netmon reports connectivity changes by probing a URL.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"depthnotes/gate/internal/logging"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// Monitor probes URL with HEAD requests. Any HTTP response counts as
// connected; only transport failures count as offline.
type Monitor struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	onChange func(connected bool)

	connected atomic.Bool
}

func New(url string, onChange func(connected bool), opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Monitor{
		url:      url,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		client:   opts.Client,
		logger:   logging.OrDefault(opts.Logger).With("component", "netmon"),
		onChange: onChange,
	}
}

// Run reports the initial status, then every change, until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	status := m.probe(ctx)
	m.connected.Store(status)
	m.report(status)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status := m.probe(ctx)
			if ctx.Err() != nil {
				return nil
			}
			was := m.connected.Swap(status)
			if was != status {
				if status {
					m.logger.Info("connectivity restored")
				} else {
					m.logger.Warn("connectivity lost")
				}
				m.report(status)
			}
		}
	}
}

// Connected reports the last probe result.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

func (m *Monitor) report(connected bool) {
	if m.onChange != nil {
		m.onChange(connected)
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.logger.Warn("invalid probe url", "url", m.url, "err", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", "err", err)
		return false
	}
	resp.Body.Close()
	return true
}
