package recorder

import "codeberg.org/mutker/homerecorder/internal/errors"

const (
	// Registry Errors
	ErrItemUpsert = errors.ErrorCode("recorder_item_upsert_failed")
	ErrItemLoad   = errors.ErrorCode("recorder_item_load_failed")

	// Storage Errors
	ErrNoStore = errors.ErrUnavailable
)
