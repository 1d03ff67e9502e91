// Package errcode classifies startup failures into portable symbolic
// errno codes so they can be reported through the environment of the
// launched process as well as through the error chain.
package errcode

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Codes for failures that do not map onto an OS errno. Values sit above
// the range any platform assigns.
const (
	CodeBadEnv  = 200
	CodeUnknown = 201
)

var names = map[syscall.Errno]string{
	unix.EPERM:  "EPERM",
	unix.ENOENT: "ENOENT",
	unix.EIO:    "EIO",
	unix.EACCES: "EACCES",
	unix.ENOSPC: "ENOSPC",
	unix.EROFS:  "EROFS",
	unix.EDQUOT: "EDQUOT",
}

// Name returns the symbolic name for a portable code, or "EUNKNOWN" for
// anything it does not recognize.
func Name(code int) string {
	switch code {
	case CodeBadEnv:
		return "EBADENV"
	case CodeUnknown:
		return "EUNKNOWN"
	}
	if name, ok := names[syscall.Errno(code)]; ok {
		return name
	}
	return "EUNKNOWN"
}

// StartupError carries the failing operation, the path involved, and a
// portable numeric code alongside the underlying cause.
type StartupError struct {
	Op   string
	Path string
	Code int
	Err  error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Path, Name(e.Code))
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// CodeName returns the symbolic form of the error's code.
func (e *StartupError) CodeName() string {
	return Name(e.Code)
}

// IsExhaustion reports whether err stems from the filesystem running
// out of space or quota, the one provisioning failure the space guard
// may still recover from.
func IsExhaustion(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}

// New classifies err by the errno in its chain. Errors with no errno are
// reported as EUNKNOWN rather than dropped.
func New(op, path string, err error) *StartupError {
	code := CodeUnknown
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	return &StartupError{Op: op, Path: path, Code: code, Err: err}
}

// NewBadEnv reports a broken environment contract (required input
// missing or malformed) where no OS errno applies.
func NewBadEnv(op, path string, err error) *StartupError {
	return &StartupError{Op: op, Path: path, Code: CodeBadEnv, Err: err}
}
