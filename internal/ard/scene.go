package ard

import (
	"fmt"
	"time"
)

// SceneState is the processing state recorded in processed_scenes.
type SceneState string

// Scene states. BLANK -> INQUEUE -> INWORK -> one of the terminal states.
const (
	StateBlank     SceneState = "BLANK"
	StateInQueue   SceneState = "INQUEUE"
	StateInWork    SceneState = "INWORK"
	StateComplete  SceneState = "COMPLETE"
	StateError     SceneState = "ERROR"
	StateNotNeeded SceneState = "NOT NEEDED"
	StateNoGrid    SceneState = "NOGRID"
)

// TileStateSuccess is the only state written to completed_tiles.
const TileStateSuccess = "SUCCESS"

// InFlightStates are rewritten to BLANK when a dispatcher starts.
var InFlightStates = []SceneState{StateInWork, StateInQueue, StateError}

// Terminal reports whether no further transition is expected in this run.
func (s SceneState) Terminal() bool {
	switch s {
	case StateComplete, StateError, StateNotNeeded, StateNoGrid:
		return true
	}
	return false
}

// Scene is a delivered L2 product awaiting or undergoing tiling.
type Scene struct {
	ProductID       string    `json:"product_id"`
	Satellite       Mission   `json:"satellite"`
	AcquisitionDate time.Time `json:"acquisition_date"`
	WRSPath         int       `json:"wrs_path"`
	WRSRow          int       `json:"wrs_row"`
	FileLocation    string    `json:"file_location"`
}

// SceneFromProductID fills the identity fields of a scene from its product ID.
func SceneFromProductID(productID, fileLocation string) (Scene, error) {
	pid, err := ParseProductID(productID)
	if err != nil {
		return Scene{}, err
	}
	return Scene{
		ProductID:       productID,
		Satellite:       pid.Mission,
		AcquisitionDate: pid.AcqDate,
		WRSPath:         pid.Path,
		WRSRow:          pid.Row,
		FileLocation:    fileLocation,
	}, nil
}

// GroupKey returns the (mission, acquisition day, path) key scenes must share
// to be part of one segment.
func (s Scene) GroupKey() string {
	return fmt.Sprintf("%s/%s/%03d", s.Satellite, FormatDate(s.AcquisitionDate), s.WRSPath)
}

// Segment is a run of same-mission, same-day, same-path scenes whose rows
// increase by exactly one.
type Segment []Scene

// Contiguous reports whether the segment satisfies the grouping invariants.
func (seg Segment) Contiguous() bool {
	for i := 1; i < len(seg); i++ {
		if seg[i].GroupKey() != seg[0].GroupKey() || seg[i].WRSRow-seg[i-1].WRSRow != 1 {
			return false
		}
	}
	return true
}

// ProductIDs returns the product IDs in segment order.
func (seg Segment) ProductIDs() []string {
	ids := make([]string, len(seg))
	for i, s := range seg {
		ids[i] = s.ProductID
	}
	return ids
}

// TileCoord is one cell of a regional ARD grid with its projected extent.
type TileCoord struct {
	H   int     `json:"h"`
	V   int     `json:"v"`
	ULX float64 `json:"ul_x"`
	URY float64 `json:"ur_y"`
	LRX float64 `json:"lr_x"`
	LLY float64 `json:"ll_y"`
}

// NeighborDescriptor identifies a same-day scene whose footprint touches a tile.
type NeighborDescriptor struct {
	WRSPath  int       `json:"wrspath"`
	WRSRow   int       `json:"wrsrow"`
	AcqDate  time.Time `json:"acqdate"`
	Mission  Mission   `json:"mission"`
	ProcDate time.Time `json:"procdate"`
}

// DescriptorFromProductID builds a descriptor from a product ID.
func DescriptorFromProductID(productID string) (NeighborDescriptor, error) {
	pid, err := ParseProductID(productID)
	if err != nil {
		return NeighborDescriptor{}, err
	}
	return NeighborDescriptor{
		WRSPath:  pid.Path,
		WRSRow:   pid.Row,
		AcqDate:  pid.AcqDate,
		Mission:  pid.Mission,
		ProcDate: pid.ProcDate,
	}, nil
}

// Matches reports exact (path, row, acquisition day) equality with a scene.
func (d NeighborDescriptor) Matches(s Scene) bool {
	return d.WRSPath == s.WRSPath &&
		d.WRSRow == s.WRSRow &&
		FormatDate(d.AcqDate) == FormatDate(s.AcquisitionDate)
}

// Wildcard returns the LIKE pattern used to look the descriptor up in inventory.
func (d NeighborDescriptor) Wildcard() string {
	return fmt.Sprintf("%s_%%_%03d%03d_%s_%%", d.Mission, d.WRSPath, d.WRSRow, FormatDate(d.AcqDate))
}
