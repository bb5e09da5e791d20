package tilebuilder

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the error class for tile build failures.
var Error = errs.Class("tilebuilder")

// TileError represents a tile that must not be built.
//
// Tile errors include:
//   - Already built: the tile id is present in completed_tiles
//   - Invalid contributions: the contributing scene count is out of bounds
//
// Both are terminal for the tile. An already built tile is skipped by the
// worker; an invalid tile marks its scene ERROR.
type TileError struct {
	// Code identifies the error category.
	Code TileErrorCode

	// Message is a human-readable description.
	Message string

	// TileID identifies the affected tile.
	TileID string

	// Details contains additional context.
	Details map[string]string
}

// TileErrorCode categorizes tile errors.
type TileErrorCode string

const (
	// ErrCodeAlreadyBuilt indicates the tile id already has a completed record.
	ErrCodeAlreadyBuilt TileErrorCode = "ALREADY_BUILT"

	// ErrCodeInvalidContributions indicates too few or too many contributing scenes.
	ErrCodeInvalidContributions TileErrorCode = "INVALID_CONTRIBUTIONS"
)

// Error implements the error interface.
func (e *TileError) Error() string {
	if e.TileID != "" {
		return fmt.Sprintf("%s: %s (tile=%s)", e.Code, e.Message, e.TileID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsAlreadyBuilt returns true if the error is an already built tile error.
// Uses errors.As to handle wrapped errors.
func IsAlreadyBuilt(err error) bool {
	var te *TileError
	if errors.As(err, &te) {
		return te.Code == ErrCodeAlreadyBuilt
	}
	return false
}

// IsInvalid returns true if the error is an invalid contributions error.
// Uses errors.As to handle wrapped errors.
func IsInvalid(err error) bool {
	var te *TileError
	if errors.As(err, &te) {
		return te.Code == ErrCodeInvalidContributions
	}
	return false
}

// NewAlreadyBuiltError creates a TileError for a tile already recorded.
func NewAlreadyBuiltError(tileID string) *TileError {
	return &TileError{
		Code:    ErrCodeAlreadyBuilt,
		Message: "tile already present in completed_tiles",
		TileID:  tileID,
	}
}

// NewInvalidContributionsError creates a TileError for an out-of-bounds
// contribution count.
func NewInvalidContributionsError(tileID string, k, min, max int) *TileError {
	return &TileError{
		Code:    ErrCodeInvalidContributions,
		Message: fmt.Sprintf("%d contributing scenes outside [%d, %d]", k, min, max),
		TileID:  tileID,
		Details: map[string]string{
			"scenes": fmt.Sprintf("%d", k),
			"min":    fmt.Sprintf("%d", min),
			"max":    fmt.Sprintf("%d", max),
		},
	}
}
