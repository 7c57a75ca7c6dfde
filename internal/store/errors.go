package store

import "codeberg.org/mutker/homerecorder/internal/errors"

const (
	// Configuration Errors
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrTransactionFailed      = errors.ErrorCode("store_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("store_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
)
