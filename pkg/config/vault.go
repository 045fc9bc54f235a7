package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vaultlink/vaultlink-go/pkg/fault"
)

// VaultFile is the vault file layout: target, then field name, then value.
//
//	targets:
//	  aa.com:
//	    username: alice
//	    password: hunter2
type VaultFile struct {
	Targets map[string]map[string]string `yaml:"targets"`
}

// StaticVault serves credentials from an in-memory map. It satisfies
// exchange.Vault.
type StaticVault struct {
	mu      sync.RWMutex
	path    string
	targets map[string]map[string]string
}

// NewStaticVault creates a vault over targets. The map is copied.
func NewStaticVault(targets map[string]map[string]string) *StaticVault {
	return &StaticVault{targets: copyTargets(targets)}
}

// LoadVault reads a vault file. The file must not be readable by group or
// others.
func LoadVault(path string) (*StaticVault, error) {
	v := &StaticVault{path: path}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload rereads the vault file. A vault created by NewStaticVault has no
// file and Reload is a no-op.
func (v *StaticVault) Reload() error {
	if v.path == "" {
		return nil
	}

	info, err := os.Stat(v.path)
	if err != nil {
		return &LoadError{File: v.path, Message: "failed to stat vault", Cause: err}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return &LoadError{File: v.path, Message: fmt.Sprintf("vault permissions %04o are too open", info.Mode().Perm())}
	}

	data, err := os.ReadFile(v.path)
	if err != nil {
		return &LoadError{File: v.path, Message: "failed to read vault", Cause: err}
	}

	var vf VaultFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return &LoadError{File: v.path, Message: "failed to parse vault", Cause: err}
	}

	v.mu.Lock()
	v.targets = copyTargets(vf.Targets)
	v.mu.Unlock()
	return nil
}

// Lookup returns the requested fields for target. An unknown target or
// field returns an error wrapping fault.ErrNotFound.
func (v *StaticVault) Lookup(_ context.Context, target string, fields []string) (map[string]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.targets[target]
	if !ok {
		return nil, fmt.Errorf("%w: target %s", fault.ErrNotFound, target)
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		value, ok := entry[f]
		if !ok {
			return nil, fmt.Errorf("%w: field %s of %s", fault.ErrNotFound, f, target)
		}
		out[f] = value
	}
	return out, nil
}

// Targets returns the known target names, sorted.
func (v *StaticVault) Targets() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]string, 0, len(v.targets))
	for t := range v.targets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func copyTargets(in map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(in))
	for target, fields := range in {
		entry := make(map[string]string, len(fields))
		for k, val := range fields {
			entry[k] = val
		}
		out[target] = entry
	}
	return out
}
