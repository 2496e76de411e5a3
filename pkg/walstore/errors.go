package walstore

import (
	"errors"

	"github.com/hqlite/hqwal/pkg/walfs"
)

var (
	ErrDecode          = errors.New("decode error")
	ErrEncode          = errors.New("encode error")
	ErrFileCorrupted   = walfs.ErrFileCorrupted
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidFileName = walfs.ErrInvalidFileName
	ErrLocked          = errors.New("log directory is locked by another process")
	ErrParse           = errors.New("parse error")

	ErrClosed         = errors.New("wal store is closed")
	ErrNonContiguous  = errors.New("append index is not contiguous with the log")
	ErrInvalidRange   = errors.New("remove range must cover the head or the tail of the log")
	ErrRecordTooLarge = walfs.ErrRecordTooLarge
	ErrAborted        = errors.New("append stream aborted before end of batch")
)
