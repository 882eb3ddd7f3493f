package deploystatus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/olajaido/platform-hub/pkg/domain"
)

const (
	DefaultPollingInterval = 5 * time.Second
	DefaultPullTimeout     = 15 * time.Second
)

// Ticker delivers polling ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every interval.
type TickerFunc func(interval time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the default TickerFunc backed by time.Ticker.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(interval)}
}

type options struct {
	Realtime        bool
	Polling         bool
	PollingInterval time.Duration `validate:"gt=0"`
	PullTimeout     time.Duration `validate:"gt=0"`

	logger  *slog.Logger
	metrics *Metrics
	ticker  TickerFunc
}

// Option customises an observation.
type Option func(*options)

// WithRealtime toggles the push channel. Enabled by default.
func WithRealtime(enabled bool) Option {
	return func(o *options) {
		o.Realtime = enabled
	}
}

// WithPolling toggles the polling fallback. Enabled by default.
func WithPolling(enabled bool) Option {
	return func(o *options) {
		o.Polling = enabled
	}
}

// WithPollingInterval sets the delay between polling pulls.
func WithPollingInterval(d time.Duration) Option {
	return func(o *options) {
		o.PollingInterval = d
	}
}

// WithPullTimeout bounds each individual status or logs pull.
func WithPullTimeout(d time.Duration) Option {
	return func(o *options) {
		o.PullTimeout = d
	}
}

// WithLogger sets the logger used for transport transitions and dropped messages.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records pulls, push messages and fallbacks on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTicker replaces the polling clock.
func WithTicker(fn TickerFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.ticker = fn
		}
	}
}

func defaultOptions() options {
	return options{
		Realtime:        true,
		Polling:         true,
		PollingInterval: DefaultPollingInterval,
		PullTimeout:     DefaultPullTimeout,
		logger:          slog.New(slog.DiscardHandler),
		ticker:          NewTimeTicker,
	}
}

func (o options) validate() error {
	if err := domain.Validator().Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return fmt.Errorf("invalid observation option %s: must be positive", verrs[0].Field())
		}
		return err
	}
	return nil
}
