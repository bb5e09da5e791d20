package worker

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RegionsFile is the path/row lookup table inside the auxiliary directory.
const RegionsFile = "pathrow2region.txt"

type pathRow struct{ path, row int }

// Regions maps WRS path/row to the ARD grid region covering it.
type Regions map[pathRow]string

// LoadRegions reads a CSV of path,row,region lines. A leading header line
// is skipped.
func LoadRegions(path string) (Regions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.New("load regions: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true

	regions := Regions{}
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Error.New("load regions: %w", err)
		}
		p, perr := strconv.Atoi(strings.TrimSpace(rec[0]))
		row, rerr := strconv.Atoi(strings.TrimSpace(rec[1]))
		if perr != nil || rerr != nil {
			if line == 1 {
				continue
			}
			return nil, Error.New("load regions: line %d: malformed path/row %q,%q", line, rec[0], rec[1])
		}
		regions[pathRow{p, row}] = strings.ToUpper(strings.TrimSpace(rec[2]))
	}
	return regions, nil
}

// LoadRegionsFrom reads the lookup table from an auxiliary directory.
func LoadRegionsFrom(auxdir string) (Regions, error) {
	return LoadRegions(filepath.Join(auxdir, RegionsFile))
}

// Lookup returns the region of a path/row.
func (r Regions) Lookup(path, row int) (string, bool) {
	region, ok := r[pathRow{path, row}]
	return region, ok && region != ""
}
