package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultlink/vaultlink-go/pkg/audit"
	"github.com/vaultlink/vaultlink-go/pkg/channel"
	"github.com/vaultlink/vaultlink-go/pkg/config"
	"github.com/vaultlink/vaultlink-go/pkg/metrics"
)

// PassphraseEnv names the environment variable holding the passphrase that
// seals stored session keys.
const PassphraseEnv = "VAULTLINK_PASSPHRASE"

// runtime holds the ambient services shared by the long-running commands.
type runtime struct {
	logger  *slog.Logger
	audit   audit.Logger
	metrics *metrics.Metrics

	auditFile *audit.FileLogger
	server    *http.Server
}

// newRuntime sets up logging to out, the audit file and the metrics
// endpoint as configured in f.
func newRuntime(f *config.File, out io.Writer) (*runtime, error) {
	level, err := f.Level()
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		logger: slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})),
	}

	// Audit events also reach the log.
	loggers := []audit.Logger{audit.NewSlogAdapter(rt.logger)}
	if f.AuditFile != "" {
		if err := os.MkdirAll(filepath.Dir(f.AuditFile), 0o700); err != nil {
			return nil, err
		}
		fl, err := audit.NewFileLogger(f.AuditFile)
		if err != nil {
			return nil, err
		}
		rt.auditFile = fl
		loggers = append(loggers, fl)
	}
	rt.audit = audit.NewMultiLogger(loggers...)

	if f.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		rt.metrics = metrics.New(reg)

		ln, err := net.Listen("tcp", f.MetricsAddress)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Warn("metrics server stopped", slog.Any("error", err))
			}
		}()
		rt.logger.Info("serving metrics", slog.String("address", ln.Addr().String()))
	}
	return rt, nil
}

// Close stops the metrics endpoint and closes the audit file.
func (rt *runtime) Close() error {
	var errs []error
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, rt.server.Shutdown(ctx))
		cancel()
	}
	if rt.auditFile != nil {
		errs = append(errs, rt.auditFile.Sync(), rt.auditFile.Close())
	}
	return errors.Join(errs...)
}

// keySealer returns a passphrase sealer for session files. The passphrase
// comes from PassphraseEnv, or from prompt when the variable is unset.
func keySealer(prompt func(string) ([]byte, error)) (*channel.KeyWrapper, error) {
	pass := os.Getenv(PassphraseEnv)
	if pass == "" {
		b, err := prompt("Session passphrase: ")
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		pass = string(b)
	}
	if pass == "" {
		return nil, fmt.Errorf("a session passphrase is required (set %s)", PassphraseEnv)
	}
	return channel.NewKeyWrapper(pass)
}

// defaultFile returns path, or name inside the vaultlink directory when
// path is empty.
func defaultFile(path, name string) string {
	if path != "" {
		return path
	}
	return filepath.Join(config.DefaultDir(), name)
}
