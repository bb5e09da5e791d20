package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply state store migrations",
		Long: `Bring the state store schema up to date and print its version.

Example:
  ardtile migrate --config /etc/ard/ard.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
	return cmd
}

type migrateReport struct {
	Version int64 `json:"version"`
}

func (r migrateReport) String() string {
	return fmt.Sprintf("schema version %d", r.Version)
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	rep := newReporter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, opts.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	version, err := st.Migrate()
	if err != nil {
		return fail(CodeStoreUnavailable, "migration failed", err)
	}
	log.Info("schema up to date", zap.Int64("version", version))
	return rep.Done(migrateReport{Version: version})
}
