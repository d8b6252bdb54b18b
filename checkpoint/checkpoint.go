// Package checkpoint decorates errors with the location they passed through,
// which results in something similar to a stacktrace.
// Each error added to a checkpoint can be checked by errors.Is and retrieved by errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From wraps an error by a new checkpoint holding the caller location.
// It returns nil, if err == nil.
func From(err error) error {
	if passThrough(err) || err == nil {
		return err
	}

	return newCheckpoint(err, nil)
}

// Wrap adds a checkpoint with the caller location to prev and tags it with err,
// which further describes what failed at this point.
// Returns nil if prev == nil.
//
// This allows to predefine errors and use them later:
//  var ErrSectorWrite = errors.New("could not write the sector")
//
//  func writeSomething() error {
//  	err := dev.WriteSector(0, buf)
//  	return checkpoint.Wrap(err, ErrSectorWrite)
//  }
//
// errors.Is(err, ErrSectorWrite) is true for the result, and so is errors.Is
// against the error returned by dev.WriteSector.
func Wrap(prev, err error) error {
	if passThrough(prev) || prev == nil {
		return prev
	}

	return newCheckpoint(prev, err)
}

// Tag creates a checkpoint for err without any previous error.
// It is used where a failure is detected directly instead of being returned
// by a callee. Returns nil if err == nil.
func Tag(err error) error {
	if err == nil {
		return nil
	}
	return newCheckpoint(nil, err)
}

// passThrough reports errors which must be returned unchanged.
// io.EOF must be returned as io.EOF directly, see
// https://github.com/golang/go/issues/39155
func passThrough(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

func newCheckpoint(prev, err error) *checkpoint {
	// Skip newCheckpoint and the exported constructor.
	_, file, line, ok := runtime.Caller(2)

	return &checkpoint{
		err:  err,
		prev: prev,

		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

type checkpoint struct {
	err  error
	prev error

	callerOk bool
	file     string
	line     int
}

func (e *checkpoint) location() string {
	if !e.callerOk {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

func (e *checkpoint) Error() string {
	var b strings.Builder
	b.WriteString(e.location())
	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	if e.prev != nil {
		b.WriteString(": ")
		b.WriteString(e.prev.Error())
	}
	return b.String()
}

func (e *checkpoint) Unwrap() error {
	return e.prev
}

func (e *checkpoint) Is(target error) bool {
	return e.err != nil && errors.Is(e.err, target)
}

func (e *checkpoint) As(target interface{}) bool {
	return e.err != nil && errors.As(e.err, target)
}
