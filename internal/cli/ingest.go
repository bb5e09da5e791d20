package cli

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/store"
)

var inventoryHeader = []string{"product_id", "file_location", "footprint_wkt"}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <inventory.csv>",
		Short: "Load delivered scenes into the inventory",
		Long: `Load delivered L2 scenes into the inventory table.

The CSV has the header product_id,file_location,footprint_wkt. Satellite,
acquisition date, path and row are derived from the product id. Rows whose
product id is already present are skipped.

Example:
  ardtile ingest delivered.csv --config /etc/ard/ard.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

type ingestReport struct {
	Rows     int   `json:"rows"`
	Inserted int64 `json:"inserted"`
}

func (r ingestReport) String() string {
	return fmt.Sprintf("%d rows read, %d inserted", r.Rows, r.Inserted)
}

func runIngest(opts *RootOptions, path string, cmd *cobra.Command) error {
	rep := newReporter(opts, cmd)

	rows, err := readInventory(path)
	if err != nil {
		return fail(CodeInvalidInventory, "invalid inventory", err)
	}

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

	n, err := st.InsertInventory(ctx, rows)
	if err != nil {
		return fail(CodeStoreUnavailable, "state store failure", err)
	}
	log.Info("inventory loaded", zap.String("file", path), zap.Int("rows", len(rows)), zap.Int64("inserted", n))
	return rep.Done(ingestReport{Rows: len(rows), Inserted: n})
}

// readInventory parses an inventory CSV. Every footprint must be valid WKT.
func readInventory(path string) ([]store.InventoryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(inventoryHeader)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, err
	}
	for i, name := range inventoryHeader {
		if strings.TrimSpace(header[i]) != name {
			return nil, fmt.Errorf("header: expected %s, got %v", strings.Join(inventoryHeader, ","), header)
		}
	}

	var rows []store.InventoryRow
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := r.FieldPos(0)

		scene, err := ard.SceneFromProductID(rec[0], rec[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := geom.UnmarshalWKT(rec[2]); err != nil {
			return nil, fmt.Errorf("line %d: footprint: %w", line, err)
		}
		rows = append(rows, store.InventoryRow{Scene: scene, FootprintWKT: rec[2]})
	}
	return rows, nil
}
