package tagcache

import (
	"log/slog"
	"time"

	"github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxLifetime bounds every record's store TTL, infinite ones included.
	MaxLifetime = 30 * 24 * time.Hour

	DefaultLifetime      = time.Hour
	DefaultStrictRetries = 3

	// SetTags holds every tag in use; SetIDs every id when NotMatchingTags is on.
	SetTags = "zc:tags"
	SetIDs  = "zc:ids"

	fieldData  = "d"
	fieldTags  = "t"
	fieldMtime = "m"
	fieldInf   = "i"

	tracerName = "tagredis/tagcache"
)

// Lifetime is the TTL policy of one save.
type Lifetime struct {
	d   time.Duration
	set bool
}

// Default uses the backend's configured lifetime.
var Default = Lifetime{}

// Infinite records carry the infinite flag and the MaxLifetime store TTL.
var Infinite = Lifetime{set: true}

// For is a finite lifetime; d <= 0 means infinite.
func For(d time.Duration) Lifetime {
	return Lifetime{d: d, set: true}
}

func (l Lifetime) String() string {
	switch {
	case !l.set:
		return "default"
	case l.d <= 0:
		return "infinite"
	default:
		return l.d.String()
	}
}

// Options configures a RedisBackend.
type Options struct {
	// KeyPrefix is prepended to record ids, TagPrefix to tag id-set keys.
	KeyPrefix string
	TagPrefix string

	// NotMatchingTags maintains the SetIDs index, which the notMatchingTag
	// clean mode and IDsNotMatchingTags need.
	NotMatchingTags bool

	// CompressData and CompressTags are compression levels; 0 disables.
	CompressData      int
	CompressTags      int
	CompressThreshold int

	// CompressionLib is gzip, snappy or zstd. Empty picks snappy.
	CompressionLib string

	// AutomaticCleaningFactor is advertised through Capabilities; the manager
	// acts on it.
	AutomaticCleaningFactor int

	// Lifetime is the Default directive: 0 means one hour, negative infinite.
	Lifetime time.Duration

	// Strict runs save and touch under WATCH, retrying aborted transactions up
	// to StrictRetries times.
	Strict        bool
	StrictRetries int

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

// Validate reports configuration errors.
func (o Options) Validate() error {
	if o.Lifetime > MaxLifetime {
		return errors.Newf(errors.CodeInvalidConfig,
			"redis backend has a limit of 30 days (%d seconds) for the lifetime", int(MaxLifetime.Seconds()))
	}
	if o.CompressData < 0 || o.CompressTags < 0 {
		return errors.New(errors.CodeInvalidConfig, "compression level must not be negative")
	}
	if o.AutomaticCleaningFactor < 0 {
		return errors.New(errors.CodeInvalidConfig, "automatic cleaning factor must not be negative")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Lifetime == 0 {
		o.Lifetime = DefaultLifetime
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.StrictRetries <= 0 {
		o.StrictRetries = DefaultStrictRetries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}

// seconds resolves l to a store TTL in whole seconds. 0 means infinite.
func (o Options) seconds(l Lifetime) int64 {
	d := o.Lifetime
	if l.set {
		d = l.d
	}
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// Capabilities describes what the backend supports.
type Capabilities struct {
	AutomaticCleaning bool
	Tags              bool
	ExpiredRead       bool
	Priority          bool
	InfiniteLifetime  bool
	GetList           bool
}
