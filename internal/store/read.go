package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// TileRecord is a completed_tiles row.
type TileRecord struct {
	TileID             string
	ContributingScenes []string
	Complete           bool
	State              string
	DateCompleted      time.Time
}

// CheckTile returns the completed tile record for tileID, or nil if the
// tile has not been built.
func (s *Store) CheckTile(ctx context.Context, tileID string) (_ *TileRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		rec      TileRecord
		scenes   string
		complete string
	)
	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT tile_id, contributing_scenes, complete_tile, processing_state, date_completed
		FROM completed_tiles
		WHERE tile_id = ?
	`), tileID).Scan(&rec.TileID, &scenes, &complete, &rec.State, &rec.DateCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.New("check tile %s: %w", tileID, err)
	}

	rec.ContributingScenes = splitList(scenes)
	rec.Complete = strings.TrimSpace(complete) == "Y"
	return &rec, nil
}

// ProcessedScene is a processed_scenes row.
type ProcessedScene struct {
	ProductID     string
	FileLocation  string
	State         ard.SceneState
	Retries       int
	DateProcessed sql.NullTime
}

// SceneState returns the processed_scenes row for productID, or nil.
func (s *Store) SceneState(ctx context.Context, productID string) (_ *ProcessedScene, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		ps    ProcessedScene
		state string
	)
	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT product_id, file_location, state, retries, date_processed
		FROM processed_scenes
		WHERE product_id = ?
	`), productID).Scan(&ps.ProductID, &ps.FileLocation, &state, &ps.Retries, &ps.DateProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.New("scene state %s: %w", productID, err)
	}
	ps.State = ard.SceneState(state)
	return &ps, nil
}

// UnprocessedScenes returns inventory scenes of the given satellites that
// have no processed_scenes row or whose row is BLANK. Results are ordered by
// acquisition date, WRS path, WRS row and product id, which is the order the
// segment builder expects. An empty satellite list selects every mission.
func (s *Store) UnprocessedScenes(ctx context.Context, satellites []ard.Mission) (_ []ard.Scene, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT i.product_id, i.satellite, i.acquisition_date, i.wrs_path, i.wrs_row, i.file_location
		FROM inventory_scenes i
		LEFT JOIN processed_scenes p ON p.product_id = i.product_id
		WHERE (p.state IS NULL OR p.state = ?)`
	args := []any{string(ard.StateBlank)}
	if len(satellites) > 0 {
		query += ` AND i.satellite IN (` + placeholders(len(satellites)) + `)`
		for _, m := range satellites {
			args = append(args, string(m))
		}
	}
	query += `
		ORDER BY i.acquisition_date ASC, i.wrs_path ASC, i.wrs_row ASC, i.product_id ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, Error.New("query unprocessed scenes: %w", err)
	}
	defer rows.Close()

	scenes := []ard.Scene{}
	for rows.Next() {
		var (
			sc  ard.Scene
			sat string
		)
		if err := rows.Scan(&sc.ProductID, &sat, &sc.AcquisitionDate, &sc.WRSPath, &sc.WRSRow, &sc.FileLocation); err != nil {
			return nil, Error.New("scan unprocessed scene: %w", err)
		}
		sc.Satellite = ard.Mission(sat)
		sc.AcquisitionDate = ard.Day(sc.AcquisitionDate)
		scenes = append(scenes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("iterate unprocessed scenes: %w", err)
	}
	return scenes, nil
}

// NeighborSceneIDs returns the product ids of scenes acquired on acqDate on
// the given path whose row lies within n of row, ordered by row.
func (s *Store) NeighborSceneIDs(ctx context.Context, acqDate time.Time, path, row, n int) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT product_id
		FROM inventory_scenes
		WHERE acquisition_date = ?
		  AND wrs_path = ?
		  AND wrs_row BETWEEN ? AND ?
		ORDER BY wrs_row ASC, product_id ASC
	`), acqDate.UTC().Format(sqlDate), path, row-n, row+n)
	if err != nil {
		return nil, Error.New("query neighbor scenes: %w", err)
	}
	return collectStrings(rows, "neighbor scenes")
}

// ContributingFile is a product id and its archive location.
type ContributingFile struct {
	ProductID    string
	FileLocation string
}

// FetchContributingFile resolves inventory scenes of a satellite whose
// product id matches a SQL LIKE wildcard, newest processing first.
func (s *Store) FetchContributingFile(ctx context.Context, satellite ard.Mission, wildcard string) (_ []ContributingFile, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT product_id, file_location
		FROM inventory_scenes
		WHERE satellite = ?
		  AND product_id LIKE ?
		ORDER BY product_id DESC
	`), string(satellite), wildcard)
	if err != nil {
		return nil, Error.New("query contributing file: %w", err)
	}
	defer rows.Close()

	var files []ContributingFile
	for rows.Next() {
		var f ContributingFile
		if err := rows.Scan(&f.ProductID, &f.FileLocation); err != nil {
			return nil, Error.New("scan contributing file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("iterate contributing files: %w", err)
	}
	return files, nil
}

// CornerPolygons returns the footprint polygon (WKT) of each requested scene.
// Scenes missing from inventory are absent from the result.
func (s *Store) CornerPolygons(ctx context.Context, sceneIDs []string) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	polys := make(map[string]string, len(sceneIDs))
	if len(sceneIDs) == 0 {
		return polys, nil
	}

	args := make([]any, len(sceneIDs))
	for i, id := range sceneIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT product_id, footprint_wkt
		FROM inventory_scenes
		WHERE product_id IN (`+placeholders(len(sceneIDs))+`)
	`), args...)
	if err != nil {
		return nil, Error.New("query corner polygons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, wkt string
		if err := rows.Scan(&id, &wkt); err != nil {
			return nil, Error.New("scan corner polygon: %w", err)
		}
		polys[id] = wkt
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("iterate corner polygons: %w", err)
	}
	return polys, nil
}

// collectStrings drains a single-column result set.
func collectStrings(rows *sql.Rows, what string) ([]string, error) {
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, Error.New("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("iterate %s: %w", what, err)
	}
	return out, nil
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
