package store

import (
	"context"
	"errors"
	"strings"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// sqlDate is the layout DATE columns are written with on both drivers.
const sqlDate = "2006-01-02"

// ResetInFlight rewrites every in-flight scene (INWORK, INQUEUE, ERROR) back
// to BLANK so a new dispatcher can pick it up again. Rows leaving ERROR have
// their retry count incremented. Returns the number of rows reset.
func (s *Store) ResetInFlight(ctx context.Context) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.New("reset in flight: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.q(`
		UPDATE processed_scenes
		SET retries = retries + 1
		WHERE state = ?
	`), string(ard.StateError)); err != nil {
		return 0, Error.New("reset in flight: retries: %w", err)
	}

	args := []any{string(ard.StateBlank)}
	for _, st := range ard.InFlightStates {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE processed_scenes
		SET state = ?
		WHERE state IN (`+placeholders(len(ard.InFlightStates))+`)
	`), args...)
	if err != nil {
		return 0, Error.New("reset in flight: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, Error.New("reset in flight: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, Error.New("reset in flight: commit: %w", err)
	}
	return n, nil
}

// MarkState overwrites the state and date_processed of one scene.
// It is an error to mark a scene that was never inserted.
func (s *Store) MarkState(ctx context.Context, productID string, state ard.SceneState) (err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE processed_scenes
		SET state = ?, date_processed = ?
		WHERE product_id = ?
	`), string(state), s.now(), productID)
	if err != nil {
		return Error.New("mark state %s: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.New("mark state %s: %w", productID, err)
	}
	if n == 0 {
		return Error.New("mark state %s: %w", productID, ErrSceneNotFound)
	}
	return nil
}

// MarkSegment applies MarkState to every scene of a segment in one transaction.
func (s *Store) MarkSegment(ctx context.Context, productIDs []string, state ard.SceneState) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.New("mark segment: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	for _, id := range productIDs {
		if _, err = tx.ExecContext(ctx, s.q(`
			UPDATE processed_scenes
			SET state = ?, date_processed = ?
			WHERE product_id = ?
		`), string(state), now, id); err != nil {
			return Error.New("mark segment %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return Error.New("mark segment: commit: %w", err)
	}
	return nil
}

// SceneRow is one row inserted into processed_scenes.
type SceneRow struct {
	ProductID    string
	FileLocation string
	State        ard.SceneState
}

// InsertScenes bulk inserts processed_scenes rows.
// Uses ON CONFLICT(product_id) DO NOTHING - rows already present keep their
// existing state and are silently skipped.
func (s *Store) InsertScenes(ctx context.Context, rows []SceneRow) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.New("insert scenes: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO processed_scenes
		(product_id, file_location, state, retries, date_processed)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(product_id) DO NOTHING
	`))
	if err != nil {
		return Error.New("insert scenes: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, r := range rows {
		if _, err = stmt.ExecContext(ctx, r.ProductID, r.FileLocation, string(r.State), now); err != nil {
			return Error.New("insert scene %s: %w", r.ProductID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return Error.New("insert scenes: commit: %w", err)
	}
	return nil
}

// InsertTile records a completed tile. Uses ON CONFLICT(tile_id) DO NOTHING:
// a second insert for the same tile id leaves the first record untouched.
// Reports whether a new row was written.
func (s *Store) InsertTile(ctx context.Context, tileID string, sceneIDs []string, complete bool, state string) (inserted bool, err error) {
	defer mon.Task()(&ctx)(&err)

	flag := "N"
	if complete {
		flag = "Y"
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO completed_tiles
		(tile_id, contributing_scenes, complete_tile, processing_state, date_completed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tile_id) DO NOTHING
	`), tileID, strings.Join(sceneIDs, ","), flag, state, s.now())
	if err != nil {
		return false, Error.New("insert tile %s: %w", tileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Error.New("insert tile %s: %w", tileID, err)
	}
	return n > 0, nil
}

// InventoryRow is one delivered product loaded into inventory_scenes.
type InventoryRow struct {
	Scene        ard.Scene
	FootprintWKT string
}

// InsertInventory bulk inserts inventory rows, ignoring duplicate product ids.
// Returns the number of rows actually inserted.
func (s *Store) InsertInventory(ctx context.Context, rows []InventoryRow) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.New("insert inventory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO inventory_scenes
		(product_id, satellite, acquisition_date, wrs_path, wrs_row, file_location, footprint_wkt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id) DO NOTHING
	`))
	if err != nil {
		return 0, Error.New("insert inventory: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		sc := r.Scene
		res, err := stmt.ExecContext(ctx,
			sc.ProductID,
			string(sc.Satellite),
			sc.AcquisitionDate.UTC().Format(sqlDate),
			sc.WRSPath,
			sc.WRSRow,
			sc.FileLocation,
			r.FootprintWKT,
		)
		if err != nil {
			return 0, Error.New("insert inventory %s: %w", sc.ProductID, err)
		}
		added, err := res.RowsAffected()
		if err != nil {
			return 0, Error.New("insert inventory %s: %w", sc.ProductID, err)
		}
		n += added
	}

	if err = tx.Commit(); err != nil {
		return 0, Error.New("insert inventory: commit: %w", err)
	}
	return n, nil
}

// ErrSceneNotFound is returned when a state update targets an unknown scene.
var ErrSceneNotFound = errors.New("scene not found")
