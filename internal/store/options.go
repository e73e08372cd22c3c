package store

import (
	"time"

	"github.com/rzbill/ledger/internal/clock"
	"github.com/rzbill/ledger/pkg/log"
)

// Options configures a Store. Every field maps directly onto a spec.md §6
// configuration knob.
type Options struct {
	// MetadataCacheExpiry is the metadata-age cache's per-entry TTL.
	MetadataCacheExpiry time.Duration // default 30s
	// MetadataCacheMaxSize bounds the metadata-age cache; 0 selects the
	// default and a negative value disables eviction.
	MetadataCacheMaxSize int // default 10000
	// GapReloadInterval is the gap reconciler's reload-and-compare delay.
	GapReloadInterval time.Duration // default 3s
	// PollInterval is the head-position notifier's poll period.
	PollInterval time.Duration // default 1s
	// Clock is the injectable time source used by the metadata cache and
	// expiry filter; defaults to clock.System.
	Clock clock.Func
	// Logger is the structured logging facade every component logs
	// through; defaults to a console JSON logger.
	Logger log.Logger
	// LogName tags every log line emitted by this store instance.
	LogName string
}

// withDefaults returns a copy of opts with every zero-value field replaced
// by its spec.md §6 default.
func (o Options) withDefaults() Options {
	if o.MetadataCacheExpiry <= 0 {
		o.MetadataCacheExpiry = 30 * time.Second
	}
	if o.MetadataCacheMaxSize == 0 {
		o.MetadataCacheMaxSize = 10000
	}
	if o.GapReloadInterval <= 0 {
		o.GapReloadInterval = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.System
	}
	if o.Logger == nil {
		o.Logger = log.NewLogger()
	}
	if o.LogName == "" {
		o.LogName = "ledger"
	}
	return o
}
