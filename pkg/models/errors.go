package models

import "errors"

// Structural invariant violations on the Memory type itself. Callers in
// internal/memsvc and internal/validate wrap these into the wire error
// taxonomy (contracts.ErrValidation) rather than surfacing them raw.
var (
	ErrInvalidContentLength = errors.New("memory content must be 1-65535 bytes")
	ErrSharedWithRequired   = errors.New("shared_with must be non-empty when access_level is shared")
	ErrSharedWithForbidden  = errors.New("shared_with must be empty unless access_level is shared")
	ErrTooManyTags          = errors.New("a memory may carry at most 32 tags")
	ErrTagTooLong           = errors.New("a tag may be at most 32 bytes")
	ErrImportanceOutOfRange = errors.New("importance must be in [0,1]")
)
