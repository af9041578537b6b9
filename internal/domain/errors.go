package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeRasterization ErrorType = "rasterization"
	ErrorTypeUnsupported   ErrorType = "unsupported_file"
	ErrorTypeStorageRead   ErrorType = "storage_read"
	ErrorTypeStorageWrite  ErrorType = "storage_write"
	ErrorTypeGeneration    ErrorType = "generation"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfig        ErrorType = "config"
	ErrorTypeIO            ErrorType = "io"
)

// DomainError represents a domain-specific error with context.
// Subject names the document, key or file the failure is about, if any.
type DomainError struct {
	Type    ErrorType
	Message string
	Subject string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Message
	if e.Subject != "" {
		msg = fmt.Sprintf("%s (%s)", e.Message, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// About returns a copy of the error bound to the given subject.
func (e *DomainError) About(subject string) *DomainError {
	cp := *e
	cp.Subject = subject
	return &cp
}

// IsType reports whether err (or anything it wraps) is a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type == errType
	}
	return false
}

// Common error constructors
func RasterizationError(docID, message string, err error) *DomainError {
	return NewError(ErrorTypeRasterization, message, err).About(docID)
}

func UnsupportedFileError(name, mimeType string) *DomainError {
	return NewError(ErrorTypeUnsupported, fmt.Sprintf("unsupported media type %q", mimeType), nil).About(name)
}

func StorageReadError(key string, err error) *DomainError {
	return NewError(ErrorTypeStorageRead, "read failed", err).About(key)
}

func StorageWriteError(key, message string, err error) *DomainError {
	return NewError(ErrorTypeStorageWrite, message, err).About(key)
}

func GenerationError(message string, err error) *DomainError {
	return NewError(ErrorTypeGeneration, message, err)
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}
