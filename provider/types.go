// Package provider defines the uniform backend contract (spec.md S4.5,
// C5) implemented by provider/s3, provider/sia and provider/encrypt,
// plus the shared data-model types of spec.md S3. Modeled on the
// teacher's fs.Fs/fs.Object interface split, generalized into one
// interface because the spec's provider surface is a single closed
// contract rather than rclone's much larger optional-feature surface.
package provider

import (
	"context"
	"strings"

	"github.com/repertory-project/repertory/apierr"
)

// Reserved meta keys (spec.md S6).
const (
	MetaAccessed        = "META_ACCESSED"
	MetaAttributes      = "META_ATTRIBUTES"
	MetaBackup          = "META_BACKUP"
	MetaChanged         = "META_CHANGED"
	MetaCreation        = "META_CREATION"
	MetaDirectory       = "META_DIRECTORY"
	MetaEncryptionToken = "META_ENCRYPTION_TOKEN"
	MetaGID             = "META_GID"
	MetaKey             = "META_KEY"
	MetaMode            = "META_MODE"
	MetaModified        = "META_MODIFIED"
	MetaOSXFlags        = "META_OSXFLAGS"
	MetaPinned          = "META_PINNED"
	MetaSize            = "META_SIZE"
	MetaSource          = "META_SOURCE"
	MetaUID             = "META_UID"
	MetaWritten         = "META_WRITTEN"
)

// Meta is a string-keyed attribute map (spec.md S3 "Meta map").
type Meta map[string]string

// Clone returns a shallow copy of m.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsDirectory reports whether m carries META_DIRECTORY="1".
func (m Meta) IsDirectory() bool {
	return m[MetaDirectory] == "1"
}

// IsPinned reports whether m carries META_PINNED="1".
func (m Meta) IsPinned() bool {
	return m[MetaPinned] == "1"
}

// ApiFile is a single file entry (spec.md S3 "Api-file").
type ApiFile struct {
	APIPath         string
	APIParent       string
	AccessedDate    int64
	ChangedDate     int64
	CreationDate    int64
	ModifiedDate    int64
	FileSize        int64
	EncryptionToken string
	Key             string
	SourcePath      string
}

// DirectoryItem is a single listing entry (spec.md S3 "Directory-item").
type DirectoryItem struct {
	APIPath   string
	APIParent string
	Directory bool
	Size      int64
	Resolved  bool
	Meta      Meta
}

// HeadObjectResult is the normalized result of a backend HEAD (spec.md S3).
type HeadObjectResult struct {
	ContentLength int64
	ContentType   string
	LastModified  int64 // Unix nanoseconds
}

// Range is an inclusive byte range [Begin,End] (spec.md S3). An empty
// range is never constructed at the HTTP layer.
type Range struct {
	Begin int64
	End   int64
}

// Len returns the number of bytes the range spans.
func (r Range) Len() int64 {
	return r.End - r.Begin + 1
}

// NormalizeAPIPath rewrites p into the forward-slash-rooted,
// case-sensitive, dot-free form spec.md S3 requires of every api-path.
func NormalizeAPIPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(cleaned) > 0 {
				cleaned = cleaned[:len(cleaned)-1]
			}
		default:
			cleaned = append(cleaned, part)
		}
	}
	if len(cleaned) == 0 {
		return "/"
	}
	return "/" + strings.Join(cleaned, "/")
}

// APIParent returns the parent api-path of p ("/" for root's children).
func APIParent(p string) string {
	p = NormalizeAPIPath(p)
	if p == "/" {
		return "/"
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// ItemAddedFunc is invoked by a provider whenever a listing surfaces a
// path with no existing metadata row (spec.md S3 "api_item_added").
type ItemAddedFunc func(ctx context.Context, directory bool, file ApiFile) error

// CreateFileExtraFunc lets a provider inject extra meta at creation
// time (spec.md S4.5). No provider in this repository installs one; the
// S3 provider does not persist META_KEY at creation.
type CreateFileExtraFunc func(ctx context.Context, apiPath string, meta Meta) (Meta, error)

// Provider is the uniform backend contract (spec.md S4.5).
type Provider interface {
	// Lifecycle
	Start(ctx context.Context, added ItemAddedFunc) error
	Stop(ctx context.Context) error
	IsOnline(ctx context.Context) bool
	IsReadOnly() bool
	IsRenameSupported() bool

	// Namespace
	CreateDirectory(ctx context.Context, apiPath string, meta Meta) *apierr.APIError
	RemoveDirectory(ctx context.Context, apiPath string) *apierr.APIError
	RemoveFile(ctx context.Context, apiPath string) *apierr.APIError
	RenameFile(ctx context.Context, from, to string) *apierr.APIError

	// Introspection
	IsFile(ctx context.Context, apiPath string) (bool, *apierr.APIError)
	IsDirectory(ctx context.Context, apiPath string) (bool, *apierr.APIError)
	GetFile(ctx context.Context, apiPath string) (ApiFile, *apierr.APIError)
	GetFileList(ctx context.Context) ([]ApiFile, *apierr.APIError)
	GetDirectoryItemCount(ctx context.Context, apiPath string) (int64, *apierr.APIError)
	GetDirectoryItems(ctx context.Context, apiPath string) ([]DirectoryItem, *apierr.APIError)
	GetTotalDriveSpace(ctx context.Context) int64
	GetUsedDriveSpace(ctx context.Context) int64

	// Data plane
	ReadFileBytes(ctx context.Context, apiPath string, size, offset int64, cancel <-chan struct{}) ([]byte, *apierr.APIError)
	UploadFile(ctx context.Context, apiPath, sourcePath string, cancel <-chan struct{}) *apierr.APIError

	// Meta passthrough (proxied through the metadata store, spec.md S4.5)
	GetItemMeta(ctx context.Context, apiPath string) (Meta, *apierr.APIError)
	GetItemMetaKey(ctx context.Context, apiPath, key string) (string, *apierr.APIError)
	SetItemMeta(ctx context.Context, apiPath string, meta Meta) *apierr.APIError
	RemoveItemMeta(ctx context.Context, apiPath, key string) *apierr.APIError
}
