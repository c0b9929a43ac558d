// Package attribution buffers install-attribution and deep-link payloads and
// hands a single merged tracking payload to the gate.
package attribution

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"depthnotes/gate/internal/logging"
)

const DefaultMergeWindow = 2500 * time.Millisecond

// Sink receives collector output. The gate machine implements it.
type Sink interface {
	TrackingReceived(tracking map[string]string)
	NavigationReceived(navigation map[string]string)
}

// Ledger records whether navigation data has already been consumed on this
// install.
type Ledger interface {
	AttributionCompleted(ctx context.Context) bool
	MarkAttributionCompleted(ctx context.Context)
}

type Options struct {
	MergeWindow time.Duration
	Logger      *slog.Logger
}

// Collector keeps the latest tracking and navigation payloads. It emits a
// merge as soon as both are present, or MergeWindow after the latest
// tracking payload if navigation never shows up.
type Collector struct {
	sink   Sink
	ledger Ledger
	window time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	tracking   map[string]string
	navigation map[string]string
	timer      *time.Timer
	gen        uint64
	closed     bool
}

func NewCollector(sink Sink, ledger Ledger, opts Options) *Collector {
	window := opts.MergeWindow
	if window <= 0 {
		window = DefaultMergeWindow
	}
	return &Collector{
		sink:   sink,
		ledger: ledger,
		window: window,
		logger: logging.OrDefault(opts.Logger).With("component", "attribution"),
	}
}

// ReceiveTracking replaces the buffered tracking payload.
func (c *Collector) ReceiveTracking(ctx context.Context, payload map[string]string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.tracking = maps.Clone(payload)
	if c.tracking == nil {
		c.tracking = map[string]string{}
	}

	if len(c.navigation) > 0 {
		merged, withNav := c.takeMergeLocked()
		c.mu.Unlock()
		c.emit(ctx, merged, withNav)
		return
	}

	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
	c.mu.Unlock()

	c.logger.Debug("tracking buffered", "keys", len(payload))
}

// ReceiveNavigation buffers a deep-link payload. It is dropped for good once
// a navigation-bearing merge has been delivered.
func (c *Collector) ReceiveNavigation(ctx context.Context, payload map[string]string) {
	if c.ledger != nil && c.ledger.AttributionCompleted(ctx) {
		c.logger.Debug("navigation ignored, attribution already completed")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.navigation = maps.Clone(payload)

	if len(c.tracking) == 0 {
		c.mu.Unlock()
		c.sink.NavigationReceived(maps.Clone(payload))
		return
	}
	merged, withNav := c.takeMergeLocked()
	c.mu.Unlock()

	c.sink.NavigationReceived(maps.Clone(payload))
	c.emit(ctx, merged, withNav)
}

// Close stops the pending merge timer. Later payloads are ignored.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Collector) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	merged, withNav := c.takeMergeLocked()
	c.mu.Unlock()

	c.logger.Debug("merge window elapsed")
	c.emit(context.Background(), merged, withNav)
}

func (c *Collector) takeMergeLocked() (map[string]string, bool) {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return Merge(c.tracking, c.navigation), len(c.navigation) > 0
}

func (c *Collector) emit(ctx context.Context, merged map[string]string, withNav bool) {
	c.sink.TrackingReceived(merged)
	if withNav && c.ledger != nil {
		c.ledger.MarkAttributionCompleted(ctx)
	}
}
