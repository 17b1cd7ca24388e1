package vm

import (
	"fmt"
)

// ErrorCode represents different types of virtual memory errors
type ErrorCode int

const (
	// Generic errors
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInternal

	// Address contract errors
	ErrCodeInvalidAddress
	ErrCodeMisaligned
	ErrCodeInvalidLength
	ErrCodeAlreadyMapped
	ErrCodeBadFile

	// Page table errors
	ErrCodeDuplicatePage
	ErrCodePageNotFound
	ErrCodeWriteProtected
	ErrCodeProtectionFault

	// Resource errors
	ErrCodeSwapFull
	ErrCodeOutOfMemory

	// I/O errors
	ErrCodeShortRead
	ErrCodeShortWrite
	ErrCodeDiskReadFailed
	ErrCodeDiskWriteFailed
	ErrCodeSwapCorrupted

	// Process lifecycle errors
	ErrCodeCopyFailed
	ErrCodeProcessExited
)

// VMError represents a virtual memory error with context
type VMError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
}

// Error implements the error interface
func (e *VMError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *VMError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a specific error code
func (e *VMError) Is(target error) bool {
	if t, ok := target.(*VMError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewVMError creates a new virtual memory error
func NewVMError(code ErrorCode, op, message string, err error) *VMError {
	return &VMError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

// Helper functions for common errors

func ErrInvalidAddress(op string, va uintptr) *VMError {
	return NewVMError(
		ErrCodeInvalidAddress,
		op,
		fmt.Sprintf("invalid address %#x", va),
		nil,
	)
}

func ErrMisaligned(op, what string, value uint64) *VMError {
	return NewVMError(
		ErrCodeMisaligned,
		op,
		fmt.Sprintf("%s %#x is not page-aligned", what, value),
		nil,
	)
}

func ErrInvalidLength(op string, length int64) *VMError {
	return NewVMError(
		ErrCodeInvalidLength,
		op,
		fmt.Sprintf("invalid length %d", length),
		nil,
	)
}

func ErrAlreadyMapped(op string, va uintptr) *VMError {
	return NewVMError(
		ErrCodeAlreadyMapped,
		op,
		fmt.Sprintf("address %#x is already mapped", va),
		nil,
	)
}

func ErrBadFile(op string, message string) *VMError {
	return NewVMError(ErrCodeBadFile, op, message, nil)
}

func ErrDuplicatePage(op string, va uintptr) *VMError {
	return NewVMError(
		ErrCodeDuplicatePage,
		op,
		fmt.Sprintf("page %#x already present", va),
		nil,
	)
}

func ErrPageNotFound(op string, va uintptr) *VMError {
	return NewVMError(
		ErrCodePageNotFound,
		op,
		fmt.Sprintf("no page at %#x", va),
		nil,
	)
}

func ErrWriteProtected(op string, va uintptr) *VMError {
	return NewVMError(
		ErrCodeWriteProtected,
		op,
		fmt.Sprintf("write to read-only page %#x", va),
		nil,
	)
}

func ErrSwapFull(op string) *VMError {
	return NewVMError(
		ErrCodeSwapFull,
		op,
		"no free swap slots",
		nil,
	)
}

func ErrOutOfMemory(op string, err error) *VMError {
	return NewVMError(
		ErrCodeOutOfMemory,
		op,
		"user pool exhausted and eviction failed",
		err,
	)
}

func ErrShortRead(op string, want, got int) *VMError {
	return NewVMError(
		ErrCodeShortRead,
		op,
		fmt.Sprintf("short read: wanted %d bytes, got %d", want, got),
		nil,
	)
}

func ErrShortWrite(op string, want, got int, err error) *VMError {
	return NewVMError(
		ErrCodeShortWrite,
		op,
		fmt.Sprintf("short write: wanted %d bytes, wrote %d", want, got),
		err,
	)
}

func ErrDiskOperation(op string, write bool, err error) *VMError {
	code := ErrCodeDiskReadFailed
	if write {
		code = ErrCodeDiskWriteFailed
	}
	return NewVMError(
		code,
		op,
		"disk operation failed",
		err,
	)
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	if ve, ok := err.(*VMError); ok {
		return ve.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	if ve, ok := err.(*VMError); ok {
		return ve.Code
	}
	return ErrCodeUnknown
}
