package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is returned to HTTP callers; Message is safe to expose.
type AppError struct {
	StatusCode int
	Message    string
}

func (e *AppError) Error() string {
	return e.Message
}

func NewBadRequestError(message string) *AppError {
	return &AppError{StatusCode: http.StatusBadRequest, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{StatusCode: http.StatusNotFound, Message: message}
}

func NewConflictError(message string) *AppError {
	return &AppError{StatusCode: http.StatusConflict, Message: message}
}

func NewInternalError(message string) *AppError {
	return &AppError{StatusCode: http.StatusInternalServerError, Message: message}
}

// StageError classifies a pipeline stage failure. Permanent failures are
// deterministic: retrying the job would fail the same way.
type StageError struct {
	Code      string
	Err       error
	Permanent bool
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError builds a transient stage failure.
func NewStageError(code string, err error) *StageError {
	return &StageError{Code: code, Err: err}
}

// NewPermanentError builds a failure that must not be retried.
func NewPermanentError(code string, err error) *StageError {
	return &StageError{Code: code, Err: err, Permanent: true}
}

// AsStageError unwraps err into a StageError, falling back to fallbackCode
// for unclassified errors.
func AsStageError(err error, fallbackCode string) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return NewStageError(fallbackCode, err)
}
