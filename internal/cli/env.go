package cli

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ldj01/ard-tile-sub000/internal/config"
	"github.com/ldj01/ard-tile-sub000/internal/store"
)

// loadConfig reads the configuration named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, fail(CodeConfig, "failed to load configuration", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log settings; --verbose
// forces debug.
func newLogger(cfg config.LogConfig, verbose bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fail(CodeConfig, "invalid log level", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := zcfg.Build()
	if err != nil {
		return nil, fail(CodeConfig, "failed to build logger", err)
	}
	host, _ := os.Hostname()
	return log.With(zap.String("host", host)), nil
}

// openStore connects to the state store. Failure is retryable.
func openStore(ctx context.Context, log *zap.Logger, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, log.Named("store"), cfg.ConnStr)
	if err != nil {
		return nil, fail(CodeStoreUnavailable, "state store unavailable", err)
	}
	return st, nil
}

func closeStore(log *zap.Logger, st *store.Store) {
	if err := st.Close(); err != nil {
		log.Error("error closing state store", zap.Error(err))
	}
}
