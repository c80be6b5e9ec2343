package models

import (
	"errors"
	"fmt"
)

// ErrorClass classifies sync failures.
type ErrorClass string

const (
	ClassConfiguration ErrorClass = "configuration" // missing credentials or URL, nothing fetched
	ClassFetch         ErrorClass = "fetch"         // network, auth or parse failure
	ClassToken         ErrorClass = "token"         // no OAuth token or refresh rejected
)

// SyncError is a classified error raised while syncing a source.
type SyncError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches any SyncError of the same class.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Class == e.Class
}

// NewConfigurationError reports that a source cannot be fetched as configured.
func NewConfigurationError(message string) *SyncError {
	return &SyncError{Class: ClassConfiguration, Message: message}
}

// NewFetchError wraps a failure talking to an external source.
func NewFetchError(message string, err error) *SyncError {
	return &SyncError{Class: ClassFetch, Message: message, Err: err}
}

// NewTokenError wraps a failure obtaining an OAuth access token.
func NewTokenError(message string, err error) *SyncError {
	return &SyncError{Class: ClassToken, Message: message, Err: err}
}

// ClassOf returns the class of err, defaulting to ClassFetch for unclassified errors.
func ClassOf(err error) ErrorClass {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassFetch
}
