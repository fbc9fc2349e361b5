package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"scenelens/internal/config"
	"scenelens/internal/retrieval"
	"scenelens/internal/state"
	"scenelens/internal/telemetry"
)

// loadConfig resolves the effective config relative to the working
// directory. Errors carry ExitConfigInvalid.
func (a *app) loadConfig(overrides *config.Overrides, skipValidate bool) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = &config.Overrides{}
	}
	if a.flags.StateDir != "" {
		stateDir := a.flags.StateDir
		overrides.StateDir = &stateDir
	}
	cfg, err := config.Load(config.Options{
		ConfigPath:   a.flags.ConfigPath,
		RootDir:      cwd,
		SkipValidate: skipValidate,
		Overrides:    overrides,
	})
	if err != nil {
		return nil, withExitCode(ExitConfigInvalid, err)
	}
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(cwd, cfg.StateDir)
	}
	return cfg, nil
}

// openEngine takes the state directory's engine lock and opens the engine.
// The returned func saves the index, writes status.json and releases
// everything.
func (a *app) openEngine(ctx context.Context, cfg *config.Config) (*retrieval.Engine, func(), error) {
	shutdownTracing, err := telemetry.Init(telemetry.Options{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, nil, err
	}
	release, err := state.AcquireLock(cfg.StateDir, "engine")
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, nil, err
	}
	engine, err := retrieval.Open(ctx, cfg, a.deps)
	if err != nil {
		release()
		_ = shutdownTracing(ctx)
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, newStyles(os.Stderr, false).warnPrefix(), "shutdown:", err)
		}
		release()
		_ = shutdownTracing(shutdownCtx)
	}
	return engine, closeFn, nil
}
