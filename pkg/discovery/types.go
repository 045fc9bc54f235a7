package discovery

import (
	"context"
	"errors"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the service type approvers register.
	ServiceType = "_vaultlink._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the default approver port.
	DefaultPort = 7847

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63

	// ProtocolVersion is advertised in the TXT records.
	ProtocolVersion = "1"
)

// TXT record keys.
const (
	TXTKeyVersion = "v"  // Protocol version
	TXTKeyName    = "DN" // Approver display name (optional)
)

// Discovery errors.
var (
	ErrNotFound            = errors.New("approver not found")
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrVersionMismatch     = errors.New("unsupported protocol version")
)

// ApproverInfo is what an approver advertises.
type ApproverInfo struct {
	// InstanceName is the mDNS instance name, unique on the link.
	InstanceName string

	// Name is a display name for the approver (optional).
	Name string

	// Port the approver listens on.
	Port uint16
}

// ApproverService is an approver found by browsing.
type ApproverService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	Name         string
	Version      string
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface.
	Interface string

	// TTL overrides the record TTL.
	TTL time.Duration
}

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	Interface string
}

// Advertiser registers the approver service.
type Advertiser interface {
	Advertise(ctx context.Context, info *ApproverInfo) error
	Stop()
}

// Browser finds approvers.
type Browser interface {
	Browse(ctx context.Context) (<-chan *ApproverService, error)
	FindByName(ctx context.Context, name string) (*ApproverService, error)
}
