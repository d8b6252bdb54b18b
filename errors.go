package gofat32

import (
	"errors"
	"os"

	"github.com/spf13/afero"
)

// Kind classifies why an operation failed.
// Every Kind is an error itself, so it can be returned, wrapped and checked with errors.Is.
type Kind uint8

const (
	KindNone Kind = iota
	KindUnknown
	KindNotFound
	KindIO
	KindNoSpace
	KindInvalidName
	KindNotDir
	KindIsDir
	KindExist
	KindNotEmpty
	KindGeometry
	KindOutOfRange
	KindInvalid
)

var kindText = [...]string{
	KindNone:        "no error",
	KindUnknown:     "unknown error",
	KindNotFound:    "entry not found",
	KindIO:          "block device i/o failed",
	KindNoSpace:     "no free cluster left",
	KindInvalidName: "invalid name",
	KindNotDir:      "not a directory",
	KindIsDir:       "is a directory",
	KindExist:       "entry already exists",
	KindNotEmpty:    "directory not empty",
	KindGeometry:    "unsupported volume geometry",
	KindOutOfRange:  "sector out of range",
	KindInvalid:     "invalid argument",
}

func (k Kind) Error() string {
	if int(k) < len(kindText) {
		return kindText[k]
	}
	return kindText[KindUnknown]
}

// Is maps the kinds onto the errors used by os, io/fs and afero.
func (k Kind) Is(target error) bool {
	switch k {
	case KindNotFound:
		return target == os.ErrNotExist
	case KindExist:
		return target == os.ErrExist
	case KindOutOfRange:
		return target == afero.ErrOutOfRange
	case KindInvalid, KindInvalidName:
		return target == os.ErrInvalid
	}
	return false
}

// These errors may occur while working on a volume.
// Use errors.Is to check for them, or KindOf to switch on the cause.
var (
	ErrNotFound    error = KindNotFound
	ErrIO          error = KindIO
	ErrNoSpace     error = KindNoSpace
	ErrInvalidName error = KindInvalidName
	ErrNotDir      error = KindNotDir
	ErrIsDir       error = KindIsDir
	ErrExist       error = KindExist
	ErrNotEmpty    error = KindNotEmpty
	ErrGeometry    error = KindGeometry
	ErrOutOfRange  error = KindOutOfRange
	ErrInvalid     error = KindInvalid
)

// KindOf returns the Kind carried by err.
// A nil error is KindNone, an error without a Kind is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}
