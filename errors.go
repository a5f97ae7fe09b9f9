package kartoteka

import "errors"

var (
	ErrClosed            = errors.New("kartoteka: engine is closed")
	ErrNotReady          = errors.New("kartoteka: indices are not ready (dumb mode)")
	ErrCancelled         = errors.New("kartoteka: operation cancelled")
	ErrUnknownIndex      = errors.New("kartoteka: unknown index")
	ErrIndexTypeMismatch = errors.New("kartoteka: index key/value types differ from registration")
	ErrIllegalFileId     = errors.New("kartoteka: file has no stable id")
)
