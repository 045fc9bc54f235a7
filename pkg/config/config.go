package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultlink/vaultlink-go/pkg/service"
)

// LoadError provides details about a config loading error.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File == "" {
		return msg
	}
	return e.File + ": " + msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// File is the config file layout.
type File struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// AuditFile receives CBOR audit records when set.
	AuditFile string `yaml:"audit_file"`

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `yaml:"metrics_address"`

	Approver ApproverSection `yaml:"approver"`
	Agent    AgentSection    `yaml:"agent"`
}

// ApproverSection overrides service.ApproverConfig.
type ApproverSection struct {
	Listen            string        `yaml:"listen"`
	InstanceName      string        `yaml:"instance_name"`
	DisplayName       string        `yaml:"display_name"`
	Discovery         *bool         `yaml:"discovery"`
	MaxConnections    int           `yaml:"max_connections"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	PairingTTL        time.Duration `yaml:"pairing_ttl"`
	CodeLength        int           `yaml:"code_length"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PairingRate       float64       `yaml:"pairing_rate"`
	PairingBurst      int           `yaml:"pairing_burst"`
	StaleTimeout      time.Duration `yaml:"stale_connection_timeout"`
	SessionFile       string        `yaml:"session_file"`
	VaultFile         string        `yaml:"vault_file"`
}

// AgentSection overrides service.AgentConfig.
type AgentSection struct {
	Name             string        `yaml:"name"`
	Approver         string        `yaml:"approver"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ConnectAttempts  int           `yaml:"connect_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SessionFile      string        `yaml:"session_file"`
}

// Parse parses a config file from YAML bytes.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if _, err := f.Level(); err != nil {
		return nil, &LoadError{Message: "invalid log_level", Cause: err}
	}
	return &f, nil
}

// Load reads a config file. A missing file yields an empty config.
// Relative paths inside the file resolve against its directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}

	f, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	f.resolve(filepath.Dir(path))
	return f, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultDir returns the vaultlink state directory.
func DefaultDir() string {
	if dir := os.Getenv("VAULTLINK_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vaultlink"
	}
	return filepath.Join(home, ".vaultlink")
}

// Level returns the configured slog level. Empty means info.
func (f *File) Level() (slog.Level, error) {
	var level slog.Level
	if f.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(f.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", f.LogLevel)
	}
	return level, nil
}

// ApplyApprover overrides cfg with the values set in the file.
func (f *File) ApplyApprover(cfg *service.ApproverConfig) {
	a := f.Approver
	setString(&cfg.ListenAddress, a.Listen)
	setString(&cfg.InstanceName, a.InstanceName)
	setString(&cfg.DisplayName, a.DisplayName)
	if a.Discovery != nil {
		cfg.EnableDiscovery = *a.Discovery
	}
	setInt(&cfg.MaxConnections, a.MaxConnections)
	setDuration(&cfg.SessionTTL, a.SessionTTL)
	setDuration(&cfg.Pairing.TTL, a.PairingTTL)
	setInt(&cfg.Pairing.CodeLength, a.CodeLength)
	setInt(&cfg.Pairing.MaxFailedAttempts, a.MaxFailedAttempts)
	setDuration(&cfg.HandshakeTimeout, a.HandshakeTimeout)
	if a.PairingRate > 0 {
		cfg.PairingRate = a.PairingRate
	}
	setInt(&cfg.PairingBurst, a.PairingBurst)
	setDuration(&cfg.StaleConnectionTimeout, a.StaleTimeout)
	setString(&cfg.SessionFile, a.SessionFile)
}

// ApplyAgent overrides cfg with the values set in the file.
func (f *File) ApplyAgent(cfg *service.AgentConfig) {
	a := f.Agent
	setString(&cfg.AgentName, a.Name)
	setString(&cfg.ApproverAddress, a.Approver)
	setDuration(&cfg.ConnectTimeout, a.ConnectTimeout)
	setInt(&cfg.ConnectAttempts, a.ConnectAttempts)
	setDuration(&cfg.HandshakeTimeout, a.HandshakeTimeout)
	setDuration(&cfg.RequestTimeout, a.RequestTimeout)
	setString(&cfg.SessionFile, a.SessionFile)
}

// resolve makes file paths relative to dir absolute.
func (f *File) resolve(dir string) {
	for _, p := range []*string{&f.AuditFile, &f.Approver.SessionFile, &f.Approver.VaultFile, &f.Agent.SessionFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
