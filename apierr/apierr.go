// Package apierr defines the closed error taxonomy shared by every
// provider, the metadata store, the HTTP transport and the RPC layer
// (spec.md S7), plus the platform errno/NTSTATUS mapping table used to
// surface those errors to the driver layer.
//
// This generalizes the per-backend sentinel-error convention seen
// throughout the teacher (fs.ErrorObjectNotFound, fs.ErrorDirNotFound,
// ...) into one shared enumeration, since the spec requires every
// component to speak the same error vocabulary rather than each
// provider inventing its own.
package apierr

import (
	"errors"
	"fmt"
)

// Code is one member of the closed API error enumeration.
type Code int

// Error codes, grouped per the four classes in spec.md S7.
const (
	Success Code = iota

	// Not-found / exists class.
	ItemNotFound
	DirectoryNotFound
	ItemExists
	DirectoryExists
	DirectoryNotEmpty
	DirectoryEndOfFiles

	// Transport class.
	CommError
	DownloadFailed
	UploadFailed
	IncompatibleVersion
	InvalidVersion

	// User-cancelled class.
	DownloadStopped
	UploadStopped

	// Programmer/system class.
	AccessDenied
	BadAddress
	BufferOverflow
	BufferTooSmall
	Error
	FileInUse
	InvalidHandle
	InvalidOperation
	NameTooLong
	NoDiskSpace
	NotImplemented
	NotSupported
	OSError
	OutOfMemory
	PermissionDenied
	XAttrNotFound
	XAttrTooBig
)

var codeNames = map[Code]string{
	Success:             "success",
	ItemNotFound:        "item_not_found",
	DirectoryNotFound:   "directory_not_found",
	ItemExists:          "item_exists",
	DirectoryExists:     "directory_exists",
	DirectoryNotEmpty:   "directory_not_empty",
	DirectoryEndOfFiles: "directory_end_of_files",
	CommError:           "comm_error",
	DownloadFailed:      "download_failed",
	UploadFailed:        "upload_failed",
	IncompatibleVersion: "incompatible_version",
	InvalidVersion:      "invalid_version",
	DownloadStopped:     "download_stopped",
	UploadStopped:       "upload_stopped",
	AccessDenied:        "access_denied",
	BadAddress:          "bad_address",
	BufferOverflow:      "buffer_overflow",
	BufferTooSmall:      "buffer_too_small",
	Error:               "error",
	FileInUse:           "file_in_use",
	InvalidHandle:       "invalid_handle",
	InvalidOperation:    "invalid_operation",
	NameTooLong:         "name_too_long",
	NoDiskSpace:         "no_disk_space",
	NotImplemented:      "not_implemented",
	NotSupported:        "not_supported",
	OSError:             "os_error",
	OutOfMemory:         "out_of_memory",
	PermissionDenied:    "permission_denied",
	XAttrNotFound:       "xattr_not_found",
	XAttrTooBig:         "xattr_too_big",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown_error(%d)", int(c))
}

// APIError wraps a Code as a standard error, optionally carrying a
// lower-level cause.
type APIError struct {
	Code  Code
	Cause error
}

// New builds an *APIError for the given code with no cause.
func New(code Code) *APIError {
	return &APIError{Code: code}
}

// Wrap builds an *APIError for the given code, keeping cause visible
// through errors.Unwrap.
func Wrap(code Code, cause error) *APIError {
	return &APIError{Code: code, Cause: cause}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, apierr.New(apierr.ItemNotFound)) comparisons
// by Code alone, ignoring Cause.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Is reports whether the first *APIError in err's chain carries the
// given Code.
func Is(err error, code Code) bool {
	var a *APIError
	if !errors.As(err, &a) {
		return false
	}
	return a.Code == code
}
