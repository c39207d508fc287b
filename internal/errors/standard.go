// Package errors provides standardized error messaging for memcore
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryContract   ErrorCategory = "CONTRACT"
	CategoryLeak       ErrorCategory = "LEAK"
	CategoryCollector  ErrorCategory = "COLLECTOR"
	CategoryValidation ErrorCategory = "VALIDATION"
)

// Error codes. A StandardError matches a sentinel when both category and code agree.
const (
	CodeOutOfMemory    = "OUT_OF_MEMORY"
	CodeDoubleFree     = "DOUBLE_FREE"
	CodeInvalidHandle  = "INVALID_HANDLE"
	CodeUseAfterFree   = "USE_AFTER_FREE"
	CodeInvalidSize    = "INVALID_SIZE"
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeResourceLeak   = "RESOURCE_LEAK"
	CodeHandlerFailure = "HANDLER_FAILURE"
	CodeUnknownObject  = "UNKNOWN_OBJECT"
	CodeDuplicate      = "DUPLICATE_OBJECT"
)

// Sentinels for errors.Is.
var (
	ErrOutOfMemory    = &StandardError{Category: CategoryMemory, Code: CodeOutOfMemory, Message: "out of memory"}
	ErrDoubleFree     = &StandardError{Category: CategoryContract, Code: CodeDoubleFree, Message: "double free"}
	ErrInvalidHandle  = &StandardError{Category: CategoryContract, Code: CodeInvalidHandle, Message: "invalid handle"}
	ErrUseAfterFree   = &StandardError{Category: CategoryContract, Code: CodeUseAfterFree, Message: "use after free"}
	ErrInvalidSize    = &StandardError{Category: CategoryValidation, Code: CodeInvalidSize, Message: "invalid size"}
	ErrInvalidConfig  = &StandardError{Category: CategoryValidation, Code: CodeInvalidConfig, Message: "invalid configuration"}
	ErrResourceLeak   = &StandardError{Category: CategoryLeak, Code: CodeResourceLeak, Message: "resource leak"}
	ErrHandlerFailure = &StandardError{Category: CategoryCollector, Code: CodeHandlerFailure, Message: "destructor failed"}
	ErrUnknownObject  = &StandardError{Category: CategoryCollector, Code: CodeUnknownObject, Message: "unknown object"}
	ErrDuplicate      = &StandardError{Category: CategoryCollector, Code: CodeDuplicate, Message: "object already registered"}
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Cause    error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Caller != "" {
		msg += fmt.Sprintf(" (caller: %s)", e.Caller)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports whether target is a StandardError of the same category and code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// Unwrap returns the underlying cause, if any.
func (e *StandardError) Unwrap() error {
	return e.Cause
}

// IsContractViolation reports whether err is a programmer error (double free,
// stale handle, use after free).
func IsContractViolation(err error) bool {
	for err != nil {
		if se, ok := err.(*StandardError); ok && se.Category == CategoryContract {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common error constructors
func OutOfMemory(size, capacity uintptr) *StandardError {
	return NewStandardError(CategoryMemory, CodeOutOfMemory,
		fmt.Sprintf("cannot satisfy %d bytes (capacity %d)", size, capacity),
		map[string]interface{}{"size": size, "capacity": capacity})
}

func DoubleFree(handle uint64) *StandardError {
	return NewStandardError(CategoryContract, CodeDoubleFree,
		fmt.Sprintf("block %#x already released", handle),
		map[string]interface{}{"handle": handle})
}

func InvalidHandle(handle uint64, reason string) *StandardError {
	return NewStandardError(CategoryContract, CodeInvalidHandle,
		fmt.Sprintf("handle %#x: %s", handle, reason),
		map[string]interface{}{"handle": handle, "reason": reason})
}

func UseAfterFree(what string) *StandardError {
	return NewStandardError(CategoryContract, CodeUseAfterFree,
		fmt.Sprintf("%s used after release", what),
		map[string]interface{}{"object": what})
}

func InvalidSize(size uintptr, context string) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidSize,
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidConfig(field string, value interface{}, reason string) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidConfig,
		fmt.Sprintf("%s=%v: %s", field, value, reason),
		map[string]interface{}{"field": field, "value": value})
}

func ResourceLeak(component string, bytes uint64, objects int) *StandardError {
	return NewStandardError(CategoryLeak, CodeResourceLeak,
		fmt.Sprintf("%s: %d bytes in %d objects still live at shutdown", component, bytes, objects),
		map[string]interface{}{"component": component, "bytes": bytes, "objects": objects})
}

func HandlerFailure(object uint64, cause error) *StandardError {
	err := NewStandardError(CategoryCollector, CodeHandlerFailure,
		fmt.Sprintf("destructor for object %d failed", object),
		map[string]interface{}{"object": object})
	err.Cause = cause
	return err
}

func UnknownObject(object uint64) *StandardError {
	return NewStandardError(CategoryCollector, CodeUnknownObject,
		fmt.Sprintf("object %d is not registered", object),
		map[string]interface{}{"object": object})
}

func Duplicate(object uint64) *StandardError {
	return NewStandardError(CategoryCollector, CodeDuplicate,
		fmt.Sprintf("object %d is already registered", object),
		map[string]interface{}{"object": object})
}
