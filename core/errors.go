package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// PermissionError is returned when a caller acts on a conversation, message or
// scheduled message they do not own.
type PermissionError struct {
	Err error
}

func NewPermissionError(err error) error {
	return &PermissionError{Err: err}
}

func (err PermissionError) Error() string {
	if err.Err == nil {
		return "permission denied"
	}
	return err.Err.Error()
}

// FileUploadError is returned when an attachment violates the upload constraints.
type FileUploadError struct {
	Err    error
	Fields []FieldError
}

func NewFileUploadError(err error, flds ...FieldError) error {
	return &FileUploadError{err, flds}
}

func (err FileUploadError) Error() string {
	if err.Err == nil {
		return "file upload failed"
	}
	return err.Err.Error()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
