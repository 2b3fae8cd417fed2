package apierr

import "syscall"

// errnoTable maps each Code to the POSIX errno a driver should surface
// to the OS (spec.md S6/S7: "errors become POSIX errno on Unix ... via
// a static mapping table").
var errnoTable = map[Code]syscall.Errno{
	Success:             0,
	ItemNotFound:        syscall.ENOENT,
	DirectoryNotFound:   syscall.ENOENT,
	ItemExists:          syscall.EEXIST,
	DirectoryExists:     syscall.EEXIST,
	DirectoryNotEmpty:   syscall.ENOTEMPTY,
	DirectoryEndOfFiles: 0,
	CommError:           syscall.EIO,
	DownloadFailed:      syscall.EIO,
	UploadFailed:        syscall.EIO,
	IncompatibleVersion: syscall.EPROTO,
	InvalidVersion:      syscall.EPROTO,
	DownloadStopped:     syscall.ECANCELED,
	UploadStopped:       syscall.ECANCELED,
	AccessDenied:        syscall.EACCES,
	BadAddress:          syscall.EFAULT,
	BufferOverflow:      syscall.EOVERFLOW,
	BufferTooSmall:      syscall.EOVERFLOW,
	Error:               syscall.EIO,
	FileInUse:           syscall.EBUSY,
	InvalidHandle:       syscall.EBADF,
	InvalidOperation:    syscall.EINVAL,
	NameTooLong:         syscall.ENAMETOOLONG,
	NoDiskSpace:         syscall.ENOSPC,
	NotImplemented:      syscall.ENOSYS,
	NotSupported:        syscall.ENOTSUP,
	OSError:             syscall.EIO,
	OutOfMemory:         syscall.ENOMEM,
	PermissionDenied:    syscall.EPERM,
	XAttrNotFound:       syscall.ENODATA,
	XAttrTooBig:         syscall.E2BIG,
}

// ToErrno maps code to the POSIX errno a Unix driver should return.
// Codes with no specific mapping fall back to EIO.
func ToErrno(code Code) syscall.Errno {
	if e, ok := errnoTable[code]; ok {
		return e
	}
	return syscall.EIO
}
