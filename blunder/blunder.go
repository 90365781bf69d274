// Package blunder provides typed, wrapped errors for the snapshot daemon.
//
// Internal routines return plain Go errors; call sites that need to report
// a condition across a component boundary (to the dispatcher, eventually to
// a wire ERROR_* code) wrap them with AddError, attaching one of the Code
// values below. blunder.Errno recovers that code for a switch, the way the
// teacher's blunder.Errno(err) recovers an FsError for dispatch.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry/v2"
)

// Code is the taxonomy of failure conditions the daemon can report. It has
// no relation to POSIX errno numbering; values are chosen for readability
// in logs.
type Code int

const (
	NoError Code = iota
	NotFoundError
	NotUniqueError
	OutOfSpaceError
	CorruptionError
	ExistsError
	InvalidArgError
	IOError
	BusyError
	ProtocolError
	UsecountError
)

func (c Code) String() string {
	switch c {
	case NoError:
		return "NoError"
	case NotFoundError:
		return "NotFoundError"
	case NotUniqueError:
		return "NotUniqueError"
	case OutOfSpaceError:
		return "OutOfSpaceError"
	case CorruptionError:
		return "CorruptionError"
	case ExistsError:
		return "ExistsError"
	case InvalidArgError:
		return "InvalidArgError"
	case IOError:
		return "IOError"
	case BusyError:
		return "BusyError"
	case ProtocolError:
		return "ProtocolError"
	case UsecountError:
		return "UsecountError"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

type codeKey struct{}

// AddError wraps err (or, if nil, builds a new error from msg) with a Code
// that survives across returns, the way the teacher's blunder.AddError
// attaches an FsError to a merry-wrapped error.
func AddError(err error, code Code) error {
	if err == nil {
		err = fmt.Errorf("%s", code)
	}
	return merry.Wrap(err, merry.WithValue(codeKey{}, code))
}

// Errorf builds a fresh typed error in one call.
func Errorf(code Code, format string, args ...interface{}) error {
	return AddError(fmt.Errorf(format, args...), code)
}

// Errno recovers the Code most recently attached to err via AddError, or
// NoError if err is nil, or InvalidArgError if err carries no Code (a
// programming error in the caller, but we must still map it to something).
func Errno(err error) Code {
	if err == nil {
		return NoError
	}
	if v := merry.Value(err, codeKey{}); v != nil {
		if code, ok := v.(Code); ok {
			return code
		}
	}
	return InvalidArgError
}

// Is reports whether err was tagged with code.
func Is(err error, code Code) bool {
	return Errno(err) == code
}
