package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyland-inc/tinysip/pkg/auth"
	"github.com/tinyland-inc/tinysip/pkg/config"
	"github.com/tinyland-inc/tinysip/pkg/logger"
)

const Logo = "☎"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPath is set by the root command's --config flag.
var ConfigPath string

func GetConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tinysip", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// SetupLogging applies the configured log level and format. debug forces
// DEBUG regardless of the config.
func SetupLogging(cfg *config.Config, debug bool) {
	if cfg.Log.Console {
		logger.UseConsole()
	}
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
		fmt.Println("🔍 Debug mode enabled")
	}
	logger.SetLevel(level)
}

// Credential returns the configured session token, or asks for one on
// stdin when none is set.
func Credential(cfg *config.Config) (*auth.Credential, error) {
	var (
		cred *auth.Credential
		err  error
	)
	if cfg.Server.Token != "" {
		cred, err = auth.Parse(cfg.Server.Token)
	} else {
		cred, err = auth.LoginPasteToken(cfg.Server.APIBase, os.Stdout, os.Stdin)
	}
	if err != nil {
		return nil, err
	}
	if err := cred.Check(time.Now()); err != nil {
		return nil, err
	}
	return cred, nil
}

// ServeMetrics exposes Prometheus metrics on addr until ctx is done. An
// empty addr disables it.
func ServeMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.InfoCF("metrics", "Serving metrics", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("metrics", "Metrics server error", map[string]any{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
