package cli

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/audit"
	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/config"
	"github.com/ppiankov/capgate/internal/confirm"
	"github.com/ppiankov/capgate/internal/dispatch"
	"github.com/ppiankov/capgate/internal/gateway"
	"github.com/ppiankov/capgate/internal/plugins"
	"github.com/ppiankov/capgate/internal/sandbox"
)

// runtime bundles everything a command needs to talk to the gateway.
type runtime struct {
	cfg     *config.Config
	gateway *gateway.Gateway
	log     *zap.Logger
	close   func()
}

// buildRuntime constructs the full pipeline from the config file: catalog
// (manifest dir plus built-in plugins), sandbox, dispatcher, confirmation
// store, audit log, and gateway.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath(), baseDir())
	if err != nil {
		return nil, err
	}

	log, err := buildLogger()
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.WorkspaceRoot, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	var cat *catalog.Catalog
	if _, statErr := os.Stat(cfg.ManifestDir); statErr == nil {
		cat, err = catalog.Build(cfg.ManifestDir, cfg.AllowPlugins)
		if err != nil {
			return nil, err
		}
		for plugin, loadErr := range cat.LoadErrors() {
			log.Warn("plugin manifest rejected", zap.String("plugin", plugin), zap.Error(loadErr))
		}
	}
	if cat == nil || cat.Len() == 0 {
		cat = catalog.FromManifests(plugins.Manifests(), cfg.AllowPlugins)
	}

	enforcer, err := sandbox.NewEnforcer(cfg.WorkspaceRoot, cfg.AllowedReadPaths, cfg.SandboxLimits())
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(enforcer, log)
	plugins.Register(dispatcher, enforcer)

	store, err := confirm.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(cfg.Audit.Dir, audit.Options{
		MaxBytes: cfg.Audit.MaxBytes,
		MaxFiles: cfg.Audit.MaxFiles,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	gw, err := gateway.New(gateway.Options{
		Catalog:       cat,
		Store:         store,
		Enforcer:      enforcer,
		Dispatcher:    dispatcher,
		AuditLog:      auditLog,
		Logger:        log,
		PolicyPath:    cfg.PolicyPath,
		SafeMode:      cfg.SafeMode,
		ConfirmTTL:    cfg.ConfirmTTL(),
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		store.Close()
		auditLog.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		gateway: gw,
		log:     log,
		close: func() {
			store.Close()
			auditLog.Close()
			log.Sync()
		},
	}, nil
}

// buildLogger creates the process logger. Commands print results to
// stdout; structured logs go to stderr so piping output stays clean.
func buildLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}
