// Package encrypt implements the read-only encrypted local-directory
// mirror provider (spec.md S4.8, C8): every file and directory name on
// disk under the configured root is itself an encrypted path segment
// (spec.md S4.3's "Encrypted-name scheme"), and file content on disk is
// the chunked-AEAD ciphertext stream C3 produces. This provider walks
// that tree lazily, decrypting names into the api-paths it exposes and
// decrypting content on demand through the C3 range reader. No
// mutating operation is supported.
package encrypt

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/cipher"
	"github.com/repertory-project/repertory/config"
	"github.com/repertory-project/repertory/metadb"
	"github.com/repertory-project/repertory/provider"
)

var log = logrus.WithField("component", "provider/encrypt")

// Provider implements provider.Provider as a read-only mirror of an
// already-encrypted local directory tree.
type Provider struct {
	root   string
	token  string
	cipher *cipher.Cipher
	meta   *metadb.Store
}

// New constructs an encrypt provider rooted at cfg.Path.
func New(cfg config.EncryptionConfig, meta *metadb.Store) (*Provider, error) {
	variant := cipher.KDFBlake2b
	if cfg.KDFVariant == string(cipher.KDFArgon2id) {
		variant = cipher.KDFArgon2id
	}
	c, err := cipher.New(cfg.Token, variant)
	if err != nil {
		return nil, err
	}
	return &Provider{root: cfg.Path, token: cfg.Token, cipher: c, meta: meta}, nil
}

// Start walks the whole tree once via fs.WalkDir, surfacing every path
// with no existing metadata row through added (spec.md S4.5).
func (p *Provider) Start(ctx context.Context, added provider.ItemAddedFunc) error {
	return fs.WalkDir(os.DirFS(p.root), ".", func(relPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		apiPath, decErr := p.decryptRelPath(relPath)
		if decErr != nil {
			log.WithField("rel_path", relPath).WithError(decErr).Debug("skipping entry that does not decode under this token")
			return nil // skip undecryptable entries rather than aborting the walk
		}
		var size int64
		if !d.IsDir() {
			info, infoErr := d.Info()
			if infoErr == nil {
				if plain, sizeErr := p.cipher.DecryptedSize(info.Size()); sizeErr == nil {
					size = plain
				}
			}
		}
		p.surfaceItem(ctx, apiPath, d.IsDir(), size, added)
		return nil
	})
}

// Stop is a no-op.
func (p *Provider) Stop(ctx context.Context) error { return nil }

// IsOnline reports whether the root directory is reachable.
func (p *Provider) IsOnline(ctx context.Context) bool {
	info, err := os.Stat(p.root)
	return err == nil && info.IsDir()
}

// IsReadOnly always reports true (spec.md S4.8 "read-only mirror").
func (p *Provider) IsReadOnly() bool { return true }

// IsRenameSupported always reports false (spec.md S4.8 "rename
// unsupported").
func (p *Provider) IsRenameSupported() bool { return false }

func (p *Provider) decryptRelPath(relPath string) (string, error) {
	segments := strings.Split(filepath.ToSlash(relPath), "/")
	for i, s := range segments {
		dec, err := p.cipher.DecryptSegment(s)
		if err != nil {
			return "", err
		}
		segments[i] = dec
	}
	return provider.NormalizeAPIPath(strings.Join(segments, "/")), nil
}

// realPath maps an api-path to its on-disk, encrypted-name path.
func (p *Provider) realPath(apiPath string) (string, error) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	if apiPath == "/" {
		return p.root, nil
	}
	// Names carry a random nonce, so match each segment by decrypting entries.
	real := p.root
	for _, seg := range strings.Split(strings.TrimPrefix(apiPath, "/"), "/") {
		name := seg // no entry matches: the joined path does not exist
		entries, _ := os.ReadDir(real)
		for _, e := range entries {
			if dec, decErr := p.cipher.DecryptSegment(e.Name()); decErr == nil && dec == seg {
				name = e.Name()
				break
			}
		}
		real = filepath.Join(real, name)
	}
	return real, nil
}

func notImplemented() *apierr.APIError { return apierr.New(apierr.NotImplemented) }

// CreateDirectory, RemoveDirectory, RemoveFile, RenameFile and
// UploadFile are unsupported: this provider is read-only (spec.md
// S4.8 "all return not_implemented").
func (p *Provider) CreateDirectory(ctx context.Context, apiPath string, meta provider.Meta) *apierr.APIError {
	return notImplemented()
}

func (p *Provider) RemoveDirectory(ctx context.Context, apiPath string) *apierr.APIError {
	return notImplemented()
}

func (p *Provider) RemoveFile(ctx context.Context, apiPath string) *apierr.APIError {
	return notImplemented()
}

func (p *Provider) RenameFile(ctx context.Context, from, to string) *apierr.APIError {
	return notImplemented()
}

func (p *Provider) UploadFile(ctx context.Context, apiPath, sourcePath string, cancel <-chan struct{}) *apierr.APIError {
	return notImplemented()
}

// IsFile reports whether apiPath resolves to a regular file on disk.
func (p *Provider) IsFile(ctx context.Context, apiPath string) (bool, *apierr.APIError) {
	real, err := p.realPath(apiPath)
	if err != nil {
		return false, apierr.Wrap(apierr.Error, err)
	}
	info, statErr := os.Stat(real)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, apierr.Wrap(apierr.CommError, statErr)
	}
	return !info.IsDir(), nil
}

// IsDirectory reports whether apiPath resolves to a directory on disk.
func (p *Provider) IsDirectory(ctx context.Context, apiPath string) (bool, *apierr.APIError) {
	real, err := p.realPath(apiPath)
	if err != nil {
		return false, apierr.Wrap(apierr.Error, err)
	}
	info, statErr := os.Stat(real)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil
		}
		return false, apierr.Wrap(apierr.CommError, statErr)
	}
	return info.IsDir(), nil
}

// GetFile stats the real file and reports its decrypted size.
func (p *Provider) GetFile(ctx context.Context, apiPath string) (provider.ApiFile, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	real, err := p.realPath(apiPath)
	if err != nil {
		return provider.ApiFile{}, apierr.Wrap(apierr.Error, err)
	}
	info, statErr := os.Stat(real)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return provider.ApiFile{}, apierr.New(apierr.ItemNotFound)
		}
		return provider.ApiFile{}, apierr.Wrap(apierr.CommError, statErr)
	}
	size, sizeErr := p.cipher.DecryptedSize(info.Size())
	if sizeErr != nil {
		return provider.ApiFile{}, apierr.Wrap(apierr.Error, sizeErr)
	}

	meta, apiErr := p.meta.GetItemMeta(apiPath)
	if apiErr != nil && !apierr.Is(apiErr, apierr.ItemNotFound) {
		return provider.ApiFile{}, apiErr
	}
	return provider.ApiFile{
		APIPath:    apiPath,
		APIParent:  provider.APIParent(apiPath),
		FileSize:   size,
		SourcePath: meta[provider.MetaSource],
	}, nil
}

// GetFileList returns every file api-path known to the metadata store.
func (p *Provider) GetFileList(ctx context.Context) ([]provider.ApiFile, *apierr.APIError) {
	paths, apiErr := p.meta.GetAPIPathList()
	if apiErr != nil {
		return nil, apiErr
	}
	var out []provider.ApiFile
	for _, apiPath := range paths {
		meta, apiErr := p.meta.GetItemMeta(apiPath)
		if apiErr != nil {
			return nil, apiErr
		}
		if meta.IsDirectory() {
			continue
		}
		var size int64
		fmt.Sscanf(meta[provider.MetaSize], "%d", &size)
		out = append(out, provider.ApiFile{
			APIPath:    apiPath,
			APIParent:  provider.APIParent(apiPath),
			FileSize:   size,
			SourcePath: meta[provider.MetaSource],
		})
	}
	return out, nil
}

// GetDirectoryItemCount lists apiPath and returns the entry count.
func (p *Provider) GetDirectoryItemCount(ctx context.Context, apiPath string) (int64, *apierr.APIError) {
	items, apiErr := p.GetDirectoryItems(ctx, apiPath)
	if apiErr != nil {
		return 0, apiErr
	}
	return int64(len(items)), nil
}

// GetDirectoryItems lists apiPath's immediate children by reading the
// real (encrypted-name) directory and decrypting each entry's name.
func (p *Provider) GetDirectoryItems(ctx context.Context, apiPath string) ([]provider.DirectoryItem, *apierr.APIError) {
	return p.listDir(ctx, apiPath, nil)
}

func (p *Provider) listDir(ctx context.Context, apiPath string, added provider.ItemAddedFunc) ([]provider.DirectoryItem, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	real, err := p.realPath(apiPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Error, err)
	}
	entries, readErr := os.ReadDir(real)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, apierr.New(apierr.ItemNotFound)
		}
		return nil, apierr.Wrap(apierr.CommError, readErr)
	}

	var items []provider.DirectoryItem
	for _, e := range entries {
		plainName, decErr := p.cipher.DecryptSegment(e.Name())
		if decErr != nil {
			continue // skip entries this token cannot decrypt
		}
		childAPIPath := provider.NormalizeAPIPath(apiPath + "/" + plainName)

		var size int64
		if !e.IsDir() {
			info, infoErr := e.Info()
			if infoErr == nil {
				if plain, sizeErr := p.cipher.DecryptedSize(info.Size()); sizeErr == nil {
					size = plain
				}
			}
		}
		items = append(items, p.surfaceItem(ctx, childAPIPath, e.IsDir(), size, added))
	}
	return items, nil
}

func (p *Provider) surfaceItem(ctx context.Context, apiPath string, directory bool, size int64, added provider.ItemAddedFunc) provider.DirectoryItem {
	meta, apiErr := p.meta.GetItemMeta(apiPath)
	if apiErr != nil && added != nil {
		file := provider.ApiFile{APIPath: apiPath, APIParent: provider.APIParent(apiPath), FileSize: size}
		_ = added(ctx, directory, file)
		meta, _ = p.meta.GetItemMeta(apiPath)
	}
	return provider.DirectoryItem{
		APIPath:   apiPath,
		APIParent: provider.APIParent(apiPath),
		Directory: directory,
		Size:      size,
		Resolved:  true,
		Meta:      meta,
	}
}

// contentCipher returns the Cipher to use for decrypting f's content.
// Argon2id artifacts carry their own KDF header at the front of the
// chunk stream, persisted by whatever process originally wrote it; the
// shared p.cipher may hold a different (freshly-random) salt, so this
// re-derives a per-file Cipher from the header actually on disk before
// any range read (spec.md S4.3's KDF header is "opaque" per artifact,
// not per provider instance).
func (p *Provider) contentCipher(f *os.File) (*cipher.Cipher, error) {
	if p.cipher.Variant() != cipher.KDFArgon2id {
		return p.cipher, nil
	}
	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	header, _, err := cipher.DecodeKDFHeader(buf[:n])
	if err != nil {
		return nil, err
	}
	return cipher.FromHeader(p.token, header)
}

// ReadFileBytes decrypts the requested plaintext range through C3's
// range reader, fetching the overlapping ciphertext chunks directly off
// the real file via ReadAt.
func (p *Provider) ReadFileBytes(ctx context.Context, apiPath string, size, offset int64, cancel <-chan struct{}) ([]byte, *apierr.APIError) {
	real, err := p.realPath(apiPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Error, err)
	}
	f, openErr := os.Open(real)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return nil, apierr.New(apierr.ItemNotFound)
		}
		return nil, apierr.Wrap(apierr.DownloadFailed, openErr)
	}
	defer func() { _ = f.Close() }()

	info, statErr := f.Stat()
	if statErr != nil {
		return nil, apierr.Wrap(apierr.DownloadFailed, statErr)
	}
	totalPlain, sizeErr := p.cipher.DecryptedSize(info.Size())
	if sizeErr != nil {
		return nil, apierr.Wrap(apierr.Error, sizeErr)
	}

	cc, ccErr := p.contentCipher(f)
	if ccErr != nil {
		return nil, apierr.Wrap(apierr.Error, ccErr)
	}

	fetch := func(r provider.Range) ([]byte, error) {
		select {
		case <-cancel:
			return nil, context.Canceled
		default:
		}
		buf := make([]byte, r.Len())
		_, readErr := f.ReadAt(buf, r.Begin)
		if readErr != nil && readErr != io.EOF {
			return nil, readErr
		}
		return buf, nil
	}

	rng := provider.Range{Begin: offset, End: offset + size - 1}
	out, decErr := cc.DecryptRange(ctx, "", totalPlain, rng, fetch)
	if decErr != nil {
		return nil, apierr.Wrap(apierr.DownloadFailed, decErr)
	}
	return out, nil
}

// GetTotalDriveSpace reports the filesystem quota the root directory
// lives on.
func (p *Provider) GetTotalDriveSpace(ctx context.Context) int64 {
	total, _, err := diskUsage(p.root)
	if err != nil {
		return 0
	}
	return total
}

// GetUsedDriveSpace reports bytes already in use on that filesystem.
func (p *Provider) GetUsedDriveSpace(ctx context.Context) int64 {
	_, used, err := diskUsage(p.root)
	if err != nil {
		return 0
	}
	return used
}

// GetItemMeta, GetItemMetaKey, SetItemMeta and RemoveItemMeta proxy
// through the metadata store (spec.md S4.5 "Meta passthrough").
func (p *Provider) GetItemMeta(ctx context.Context, apiPath string) (provider.Meta, *apierr.APIError) {
	return p.meta.GetItemMeta(provider.NormalizeAPIPath(apiPath))
}

func (p *Provider) GetItemMetaKey(ctx context.Context, apiPath, key string) (string, *apierr.APIError) {
	return p.meta.GetItemMetaKey(provider.NormalizeAPIPath(apiPath), key)
}

func (p *Provider) SetItemMeta(ctx context.Context, apiPath string, meta provider.Meta) *apierr.APIError {
	return p.meta.SetItemMeta(provider.NormalizeAPIPath(apiPath), meta)
}

func (p *Provider) RemoveItemMeta(ctx context.Context, apiPath, key string) *apierr.APIError {
	return p.meta.RemoveItemMeta(provider.NormalizeAPIPath(apiPath), key)
}

var _ provider.Provider = (*Provider)(nil)
