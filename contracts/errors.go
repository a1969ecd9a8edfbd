package contracts

import (
	"errors"
	"fmt"
)

// Kind classifies a conversion failure.
type Kind string

const (
	KindFormat Kind = "unsupported_format"
	KindRead   Kind = "read_failure"
	KindWrite  Kind = "write_failure"
	KindConfig Kind = "invalid_config"
)

// ConvertError carries the failure kind plus the operation and file it
// happened on.
type ConvertError struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *ConvertError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConvertError) Unwrap() error {
	return e.Err
}

// Wrap returns nil when err is nil, so call sites can wrap unconditionally.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &ConvertError{Kind: kind, Op: op, Path: path, Err: err}
}

func Errorf(kind Kind, op, path, format string, args ...any) error {
	return &ConvertError{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is (or wraps) a ConvertError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *ConvertError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
