package apierr

// NTStatus values used by the Windows/WinFsp driver boundary. Declared
// as plain constants (not golang.org/x/sys/windows.NTStatus) so this
// package stays buildable without a Windows-only dependency -- the
// driver boundary (out of scope, spec.md S1) is responsible for
// converting these into the platform type it links against.
type NTStatus uint32

// Subset of NTSTATUS codes relevant to the error classes in spec.md S7.
const (
	StatusSuccess              NTStatus = 0x00000000
	StatusObjectNameNotFound   NTStatus = 0xC0000034
	StatusObjectPathNotFound   NTStatus = 0xC000003A
	StatusObjectNameCollision  NTStatus = 0xC0000035
	StatusDirectoryNotEmpty    NTStatus = 0xC0000101
	StatusNoSuchFile           NTStatus = 0xC000000F
	StatusIODeviceError        NTStatus = 0xC0000185
	StatusRevisionMismatch     NTStatus = 0xC0000059
	StatusCancelled            NTStatus = 0xC0000120
	StatusAccessDenied         NTStatus = 0xC0000022
	StatusInvalidAddress       NTStatus = 0xC0000141
	StatusBufferOverflow       NTStatus = 0x80000005
	StatusBufferTooSmall       NTStatus = 0xC0000023
	StatusUnsuccessful         NTStatus = 0xC0000001
	StatusSharingViolation     NTStatus = 0xC0000043
	StatusInvalidHandle        NTStatus = 0xC0000008
	StatusInvalidParameter     NTStatus = 0xC000000D
	StatusNameTooLong          NTStatus = 0xC0000106
	StatusDiskFull             NTStatus = 0xC000007F
	StatusNotImplemented       NTStatus = 0xC0000002
	StatusNotSupported         NTStatus = 0xC00000BB
	StatusInsufficientResource NTStatus = 0xC000009A
	StatusNoMemory             NTStatus = 0xC0000017
	StatusNoEAsOnFile          NTStatus = 0xC0000052
	StatusEAListTooLong        NTStatus = 0x80000014
)

var ntstatusTable = map[Code]NTStatus{
	Success:             StatusSuccess,
	ItemNotFound:        StatusObjectNameNotFound,
	DirectoryNotFound:   StatusObjectPathNotFound,
	ItemExists:          StatusObjectNameCollision,
	DirectoryExists:     StatusObjectNameCollision,
	DirectoryNotEmpty:   StatusDirectoryNotEmpty,
	DirectoryEndOfFiles: StatusSuccess,
	CommError:           StatusIODeviceError,
	DownloadFailed:      StatusIODeviceError,
	UploadFailed:        StatusIODeviceError,
	IncompatibleVersion: StatusRevisionMismatch,
	InvalidVersion:      StatusRevisionMismatch,
	DownloadStopped:     StatusCancelled,
	UploadStopped:       StatusCancelled,
	AccessDenied:        StatusAccessDenied,
	BadAddress:          StatusInvalidAddress,
	BufferOverflow:      StatusBufferOverflow,
	BufferTooSmall:      StatusBufferTooSmall,
	Error:               StatusUnsuccessful,
	FileInUse:           StatusSharingViolation,
	InvalidHandle:       StatusInvalidHandle,
	InvalidOperation:    StatusInvalidParameter,
	NameTooLong:         StatusNameTooLong,
	NoDiskSpace:         StatusDiskFull,
	NotImplemented:      StatusNotImplemented,
	NotSupported:        StatusNotSupported,
	OSError:             StatusIODeviceError,
	OutOfMemory:         StatusNoMemory,
	PermissionDenied:    StatusAccessDenied,
	XAttrNotFound:       StatusNoEAsOnFile,
	XAttrTooBig:         StatusEAListTooLong,
}

// ToNTStatus maps code to the NTSTATUS a Windows driver should return.
func ToNTStatus(code Code) NTStatus {
	if s, ok := ntstatusTable[code]; ok {
		return s
	}
	return StatusUnsuccessful
}
