package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/connection"
	"github.com/vaultlink/vaultlink-go/pkg/exchange"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
	"github.com/vaultlink/vaultlink-go/pkg/pairing"
	"github.com/vaultlink/vaultlink-go/pkg/pake"
	"github.com/vaultlink/vaultlink-go/pkg/session"
	"github.com/vaultlink/vaultlink-go/pkg/transport"
)

// Service errors.
var (
	ErrNotStarted         = errors.New("service not started")
	ErrAlreadyStarted     = errors.New("service already started")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrNotConnected       = errors.New("not connected")
	ErrPairingInProgress  = errors.New("pairing already in progress")
	ErrRateLimited        = errors.New("pairing rate limit exceeded")
	ErrUnexpectedMessage  = errors.New("unexpected message")
	ErrNoHandshake        = errors.New("no handshake in progress")
	ErrNoActiveSession    = errors.New("no active session")
	ErrAmbiguousSession   = errors.New("more than one active session")
	ErrSessionFileSealer  = errors.New("session file requires a key sealer")
	ErrNonPositiveTimeout = errors.New("timeouts must be positive")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateRunning - service is running normally.
	StateRunning

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ApproverConfig configures an ApproverService.
type ApproverConfig struct {
	// ListenAddress is the address to listen on (e.g., ":7847").
	ListenAddress string

	// InstanceName is the mDNS instance name. Defaults to the host name.
	InstanceName string

	// DisplayName is advertised for agents browsing for approvers.
	DisplayName string

	// EnableDiscovery advertises the approver over mDNS.
	EnableDiscovery bool

	// MaxConnections caps concurrent agent connections. Zero means no cap.
	MaxConnections int

	// MaxMessageSize is the maximum frame size (default: 64 KiB).
	MaxMessageSize uint32

	// SessionTTL is the lifetime of a session created by pairing.
	SessionTTL time.Duration

	// Pairing configures code issuance and attempt backoff.
	Pairing pairing.Config

	// HandshakeTimeout bounds the time between PairingInit and
	// PairingConfirm. An attempt that runs out counts as failed.
	HandshakeTimeout time.Duration

	// PairingRate is the sustained rate of pairing messages (code requests
	// and handshakes) accepted across all connections, per second.
	PairingRate float64

	// PairingBurst is the number of pairing messages accepted at once.
	PairingBurst int

	// StaleConnectionTimeout closes connections that have not paired or
	// sent a credential request within this window. Zero disables it.
	StaleConnectionTimeout time.Duration

	// ReaperInterval is how often stale connections are checked.
	ReaperInterval time.Duration

	// SessionFile persists sessions across restarts when set. Requires
	// KeySealer.
	SessionFile string

	// KeySealer protects session keys in SessionFile.
	KeySealer session.KeySealer

	// Vault resolves approved requests. Required.
	Vault exchange.Vault

	// Prompter surfaces pending requests (optional).
	Prompter exchange.Prompter

	// Audit receives protocol audit events (optional).
	Audit audit.Logger

	// Metrics records Prometheus metrics (optional).
	Metrics *metrics.Metrics

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// AgentConfig configures an AgentService.
type AgentConfig struct {
	// AgentName is shown on the approver when a code is requested.
	AgentName string

	// ApproverAddress is dialed by Connect when no address is given.
	ApproverAddress string

	// ConnectTimeout bounds each dial of the approver.
	ConnectTimeout time.Duration

	// ConnectAttempts is how many dials Connect makes before giving up.
	ConnectAttempts int

	// ConnectBackoff spaces the dial attempts.
	ConnectBackoff connection.BackoffConfig

	// HandshakeTimeout bounds each pairing step.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds the wait for a decision on a request.
	RequestTimeout time.Duration

	// MaxMessageSize is the maximum frame size (default: 64 KiB).
	MaxMessageSize uint32

	// Engine runs the key agreement. Defaults to SPAKE2+; it must match
	// the approver's.
	Engine pake.Engine

	// SessionFile persists sessions across runs when set. Requires
	// KeySealer.
	SessionFile string

	// KeySealer protects session keys in SessionFile.
	KeySealer session.KeySealer

	// Audit receives protocol audit events (optional).
	Audit audit.Logger

	// Metrics records Prometheus metrics (optional).
	Metrics *metrics.Metrics

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultApproverConfig returns an ApproverConfig with sensible defaults.
func DefaultApproverConfig() ApproverConfig {
	return ApproverConfig{
		ListenAddress:          fmt.Sprintf(":%d", transport.DefaultPort),
		EnableDiscovery:        true,
		MaxConnections:         32,
		MaxMessageSize:         transport.DefaultMaxMessageSize,
		SessionTTL:             session.DefaultTTL,
		Pairing:                pairing.DefaultConfig(),
		HandshakeTimeout:       30 * time.Second,
		PairingRate:            1,
		PairingBurst:           5,
		StaleConnectionTimeout: 2 * time.Minute,
		ReaperInterval:         10 * time.Second,
	}
}

// DefaultAgentConfig returns an AgentConfig with sensible defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		AgentName:        "vaultlink-agent",
		ApproverAddress:  fmt.Sprintf("127.0.0.1:%d", transport.DefaultPort),
		ConnectTimeout:   transport.DefaultConnectTimeout,
		ConnectAttempts:  3,
		ConnectBackoff:   connection.DefaultBackoffConfig(),
		HandshakeTimeout: 30 * time.Second,
		RequestTimeout:   exchange.DefaultTimeout,
		MaxMessageSize:   transport.DefaultMaxMessageSize,
	}
}

// Validate checks if the approver config is valid.
func (c *ApproverConfig) Validate() error {
	if c.Vault == nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, exchange.ErrNoVault)
	}
	if c.SessionTTL <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNonPositiveTimeout)
	}
	if c.PairingRate <= 0 || c.PairingBurst < 1 {
		return fmt.Errorf("%w: pairing rate and burst must be positive", ErrInvalidConfig)
	}
	if c.SessionFile != "" && c.KeySealer == nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrSessionFileSealer)
	}
	if err := c.Pairing.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks if the agent config is valid.
func (c *AgentConfig) Validate() error {
	if c.HandshakeTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNonPositiveTimeout)
	}
	if c.SessionFile != "" && c.KeySealer == nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrSessionFileSealer)
	}
	return nil
}

// EventType identifies a service event.
type EventType uint8

const (
	// EventConnected - an agent connected.
	EventConnected EventType = iota

	// EventDisconnected - an agent connection closed.
	EventDisconnected

	// EventCodeIssued - a pairing code was issued. The event carries the
	// display code for the local operator.
	EventCodeIssued

	// EventPaired - a pairing handshake established a session.
	EventPaired

	// EventPairingFailed - a pairing attempt ended without a session.
	EventPairingFailed

	// EventSessionRevoked - the peer revoked a session.
	EventSessionRevoked
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventCodeIssued:
		return "CODE_ISSUED"
	case EventPaired:
		return "PAIRED"
	case EventPairingFailed:
		return "PAIRING_FAILED"
	case EventSessionRevoked:
		return "SESSION_REVOKED"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	// Type is the event type.
	Type EventType

	// ConnID is the transport connection id.
	ConnID string

	// AgentName is the name the agent gave when requesting a code.
	AgentName string

	// CodeID is the pairing code id (for pairing events).
	CodeID string

	// Code is the issued code including its display digits
	// (EventCodeIssued only). Never log it.
	Code *pairing.Code

	// SessionID is the session id (for EventPaired and revocations).
	SessionID string

	// Error is set if the event is an error.
	Error error
}

// EventHandler handles service events. Handlers run on the connection
// goroutine and must not block.
type EventHandler func(Event)
