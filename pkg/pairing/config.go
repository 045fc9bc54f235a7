package pairing

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
)

// Defaults.
const (
	DefaultTTL               = 5 * time.Minute
	DefaultRetention         = 10 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultMaxFailedAttempts = 1
)

// DefaultBackoffTiers are the delays applied after repeated failed
// handshakes: [1-3 failures, 4-6, 7-10, 11+].
var DefaultBackoffTiers = [4]time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second}

// Config errors.
var (
	ErrInvalidTTL         = errors.New("invalid pairing ttl")
	ErrInvalidCodeLength  = errors.New("invalid display code length")
	ErrInvalidMaxAttempts = errors.New("max failed attempts must be at least 1")
)

// Config configures a Registry.
type Config struct {
	// TTL is the lifetime of an issued code when Issue is called with zero.
	TTL time.Duration

	// Retention keeps ended codes for auditing before Sweep removes them.
	Retention time.Duration

	// SweepInterval is how often Run sweeps.
	SweepInterval time.Duration

	// CodeLength is the number of digits in a display code.
	CodeLength int

	// MaxFailedAttempts is the number of failed confirmations after which a
	// code is retired.
	MaxFailedAttempts int

	// BackoffTiers are the delays returned by Registry.Delay.
	BackoffTiers [4]time.Duration

	// Engine runs the key agreement. Defaults to SPAKE2+.
	Engine pake.Engine

	// Rand is the entropy source for code ids and display codes.
	// Defaults to crypto/rand.
	Rand io.Reader

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Audit receives code lifecycle events.
	Audit audit.Logger

	// Metrics records code and handshake counters. Optional.
	Metrics *metrics.Metrics

	// Logger is the operational logger. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		TTL:               DefaultTTL,
		Retention:         DefaultRetention,
		SweepInterval:     DefaultSweepInterval,
		CodeLength:        pake.DefaultDisplayCodeLength,
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		BackoffTiers:      DefaultBackoffTiers,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return ErrInvalidTTL
	}
	if c.CodeLength < pake.MinDisplayCodeLength || c.CodeLength > pake.MaxDisplayCodeLength {
		return ErrInvalidCodeLength
	}
	if c.MaxFailedAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Engine == nil {
		c.Engine = pake.NewSPAKE2Plus()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	c.Audit = audit.OrNoop(c.Audit)
}
