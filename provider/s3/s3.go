// Package s3 implements the S3-compatible provider (spec.md S4.6, C6):
// object-name<->api-path mapping, directory-as-zero-byte-object
// synthesis, paginated XML listing, HEAD-based stat and PUT/DELETE
// data-plane operations. Modeled on backend/s3/s3.go's Fs/Object split,
// generalized into provider.Provider and re-pointed at our own
// transport/cipher stack instead of aws-sdk-go.
package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/cipher"
	"github.com/repertory-project/repertory/config"
	"github.com/repertory-project/repertory/metadb"
	"github.com/repertory-project/repertory/provider"
	"github.com/repertory-project/repertory/transport"
)

var log = logrus.WithField("component", "provider/s3")

const readRetryBackoff = time.Second

// Provider implements provider.Provider against an S3-compatible
// bucket.
type Provider struct {
	cfg            config.S3Config
	hostCfg        transport.HostConfig
	meta           *metadb.Store
	transport      *transport.Transport
	cipher         *cipher.Cipher
	retryReadCount int
}

// New constructs an S3 provider. When s3cfg.EncryptionToken is set,
// object bodies and names are transparently encrypted/decrypted via
// the chunked codec (spec.md S4.6 "objects are optionally wrapped by
// C3"). retryReadCount is the number of extra attempts ReadFileBytes
// makes on a failed range read (spec.md S4.6 "up to retry_read_count+1
// attempts with 1s backoff", shared with the Sia provider).
func New(s3cfg config.S3Config, retryReadCount int, meta *metadb.Store) (*Provider, error) {
	hc, err := hostConfigFromURL(s3cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{cfg: s3cfg, hostCfg: hc, meta: meta, retryReadCount: retryReadCount}
	var decryptor transport.Decryptor
	if s3cfg.EncryptionToken != "" {
		c, err := cipher.New(s3cfg.EncryptionToken, cipher.KDFArgon2id)
		if err != nil {
			return nil, err
		}
		p.cipher = c
		decryptor = c
	}
	p.transport = transport.New(decryptor)
	return p, nil
}

func hostConfigFromURL(s3cfg config.S3Config) (transport.HostConfig, error) {
	u, err := url.Parse(s3cfg.URL)
	if err != nil {
		return transport.HostConfig{}, fmt.Errorf("s3: bad endpoint URL: %w", err)
	}
	port := 0
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	return transport.HostConfig{
		Scheme:           u.Scheme,
		Host:             u.Hostname(),
		Port:             port,
		VirtualHostStyle: !s3cfg.UsePathStyle,
		RegionInURL:      s3cfg.UseRegionInURL,
		Bucket:           s3cfg.Bucket,
		Region:           s3cfg.Region,
		AWSService:       "s3",
		AccessKey:        s3cfg.AccessKey,
		SecretKey:        s3cfg.SecretKey,
	}, nil
}

// Start performs an initial bucket listing, notifying added for every
// path with no existing metadata row (spec.md S4.5 "Start ...
// api_item_added").
func (p *Provider) Start(ctx context.Context, added provider.ItemAddedFunc) error {
	_, apiErr := p.listPrefix(ctx, "/", added)
	if apiErr != nil {
		return apiErr
	}
	return nil
}

// Stop is a no-op: the provider holds no long-lived connections beyond
// the shared transport's pooled HTTP client.
func (p *Provider) Stop(ctx context.Context) error { return nil }

// IsOnline issues a lightweight HEAD against the bucket root.
func (p *Provider) IsOnline(ctx context.Context) bool {
	var req transport.HeadRequest
	req.Path = ""
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	return err == nil && code < 500
}

// IsReadOnly reports false: this provider supports writes.
func (p *Provider) IsReadOnly() bool { return false }

// IsRenameSupported reports false: S3 has no atomic rename primitive
// (spec.md S4.6 "rename unsupported").
func (p *Provider) IsRenameSupported() bool { return false }

func (p *Provider) objectKey(apiPath string) (string, error) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	if p.cipher == nil {
		return strings.TrimPrefix(apiPath, "/"), nil
	}
	enc, err := p.cipher.EncryptPath(apiPath)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(enc, "/"), nil
}

func (p *Provider) apiPathFromKey(key string) (string, error) {
	apiPath := "/" + key
	if p.cipher == nil {
		return apiPath, nil
	}
	return p.cipher.DecryptPath(apiPath)
}

func dirKey(key string) string {
	if strings.HasSuffix(key, "/") || key == "" {
		return key
	}
	return key + "/"
}

// CreateDirectory synthesizes a zero-byte object at apiPath+"/" (spec.md
// S4.6 "directory-as-zero-byte-object").
func (p *Provider) CreateDirectory(ctx context.Context, apiPath string, meta provider.Meta) *apierr.APIError {
	key, err := p.objectKey(apiPath)
	if err != nil {
		return apierr.Wrap(apierr.Error, err)
	}
	var req transport.PutFileRequest
	req.Path = dirKey(key)
	code, httpErr := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if httpErr != nil {
		return apierr.Wrap(apierr.UploadFailed, httpErr)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return apiErr
	}
	if meta == nil {
		meta = provider.Meta{}
	}
	meta[provider.MetaDirectory] = "1"
	return p.meta.SetItemMeta(provider.NormalizeAPIPath(apiPath), meta)
}

// RemoveDirectory deletes the zero-byte marker object and its metadata
// row.
func (p *Provider) RemoveDirectory(ctx context.Context, apiPath string) *apierr.APIError {
	key, err := p.objectKey(apiPath)
	if err != nil {
		return apierr.Wrap(apierr.Error, err)
	}
	var req transport.DeleteRequest
	req.Path = dirKey(key)
	code, httpErr := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if httpErr != nil {
		return apierr.Wrap(apierr.CommError, httpErr)
	}
	if code != 404 {
		if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
			return apiErr
		}
	}
	return p.meta.RemoveAPIPath(provider.NormalizeAPIPath(apiPath))
}

// RemoveFile deletes the object and its metadata row.
func (p *Provider) RemoveFile(ctx context.Context, apiPath string) *apierr.APIError {
	key, err := p.objectKey(apiPath)
	if err != nil {
		return apierr.Wrap(apierr.Error, err)
	}
	var req transport.DeleteRequest
	req.Path = key
	code, httpErr := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if httpErr != nil {
		return apierr.Wrap(apierr.CommError, httpErr)
	}
	if code != 404 {
		if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
			return apiErr
		}
	}
	return p.meta.RemoveAPIPath(provider.NormalizeAPIPath(apiPath))
}

// RenameFile is not supported by this provider.
func (p *Provider) RenameFile(ctx context.Context, from, to string) *apierr.APIError {
	return apierr.New(apierr.NotSupported)
}

// IsFile reports whether apiPath resolves to a non-directory object.
func (p *Provider) IsFile(ctx context.Context, apiPath string) (bool, *apierr.APIError) {
	meta, apiErr := p.meta.GetItemMeta(provider.NormalizeAPIPath(apiPath))
	if apiErr != nil {
		if apierr.Is(apiErr, apierr.ItemNotFound) {
			return false, nil
		}
		return false, apiErr
	}
	return !meta.IsDirectory(), nil
}

// IsDirectory reports whether apiPath resolves to a directory marker.
func (p *Provider) IsDirectory(ctx context.Context, apiPath string) (bool, *apierr.APIError) {
	if provider.NormalizeAPIPath(apiPath) == "/" {
		return true, nil
	}
	meta, apiErr := p.meta.GetItemMeta(provider.NormalizeAPIPath(apiPath))
	if apiErr != nil {
		if apierr.Is(apiErr, apierr.ItemNotFound) {
			return false, nil
		}
		return false, apiErr
	}
	return meta.IsDirectory(), nil
}

// GetFile builds an ApiFile from a HEAD and the metadata row.
func (p *Provider) GetFile(ctx context.Context, apiPath string) (provider.ApiFile, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	key, err := p.objectKey(apiPath)
	if err != nil {
		return provider.ApiFile{}, apierr.Wrap(apierr.Error, err)
	}

	headers := transport.HeaderSink{}
	var req transport.HeadRequest
	req.Path = key
	req.ResponseHeaders = headers
	code, httpErr := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if httpErr != nil {
		return provider.ApiFile{}, apierr.Wrap(apierr.CommError, httpErr)
	}
	if code == 404 {
		return provider.ApiFile{}, apierr.New(apierr.ItemNotFound)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return provider.ApiFile{}, apiErr
	}

	size := parseContentLength(headers["content-length"])
	if p.cipher != nil {
		if decSize, err := p.cipher.DecryptedSize(size); err == nil {
			size = decSize
		}
	}

	meta, apiErr := p.meta.GetItemMeta(apiPath)
	if apiErr != nil && !apierr.Is(apiErr, apierr.ItemNotFound) {
		return provider.ApiFile{}, apiErr
	}
	return apiFileFromMeta(apiPath, size, meta), nil
}

func apiFileFromMeta(apiPath string, size int64, meta provider.Meta) provider.ApiFile {
	return provider.ApiFile{
		APIPath:         apiPath,
		APIParent:       provider.APIParent(apiPath),
		FileSize:        size,
		EncryptionToken: meta[provider.MetaEncryptionToken],
		Key:             meta[provider.MetaKey],
		SourcePath:      meta[provider.MetaSource],
	}
}

func parseContentLength(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
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
		out = append(out, apiFileFromMeta(apiPath, size, meta))
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

// GetDirectoryItems lists the immediate children of apiPath via
// paginated XML listing (spec.md S8 scenario #2: "self-entry ... is
// filtered").
func (p *Provider) GetDirectoryItems(ctx context.Context, apiPath string) ([]provider.DirectoryItem, *apierr.APIError) {
	return p.listPrefix(ctx, apiPath, nil)
}

func (p *Provider) listPrefix(ctx context.Context, apiPath string, added provider.ItemAddedFunc) ([]provider.DirectoryItem, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	prefix, err := p.objectKey(apiPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Error, err)
	}
	prefix = dirKey(prefix)
	if prefix == "/" {
		prefix = ""
	}

	var items []provider.DirectoryItem
	continuationToken := ""
	for {
		result, apiErr := p.listOnce(ctx, prefix, continuationToken)
		if apiErr != nil {
			return nil, apiErr
		}

		for _, cp := range result.CommonPrefixes {
			childKey := strings.TrimSuffix(cp.Prefix, "/")
			childAPIPath, err := p.apiPathFromKey(childKey)
			if err != nil {
				continue
			}
			items = append(items, p.surfaceItem(ctx, childAPIPath, true, 0, added))
		}
		for _, obj := range result.Contents {
			if obj.Key == prefix {
				continue // self-entry, filtered per spec.md S8 scenario #2
			}
			if strings.HasSuffix(obj.Key, "/") {
				childAPIPath, err := p.apiPathFromKey(strings.TrimSuffix(obj.Key, "/"))
				if err != nil {
					continue
				}
				items = append(items, p.surfaceItem(ctx, childAPIPath, true, 0, added))
				continue
			}
			childAPIPath, err := p.apiPathFromKey(obj.Key)
			if err != nil {
				continue
			}
			size := obj.Size
			if p.cipher != nil {
				if decSize, err := p.cipher.DecryptedSize(size); err == nil {
					size = decSize
				}
			}
			items = append(items, p.surfaceItem(ctx, childAPIPath, false, size, added))
		}

		if !result.IsTruncated || result.NextContinuationToken == "" {
			break
		}
		continuationToken = result.NextContinuationToken
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

func (p *Provider) listOnce(ctx context.Context, prefix, continuationToken string) (listBucketResult, *apierr.APIError) {
	query := url.Values{}
	query.Set("list-type", "2")
	query.Set("delimiter", "/")
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if continuationToken != "" {
		query.Set("continuation-token", continuationToken)
	}

	var result listBucketResult
	var req transport.GetRequest
	req.Query = query
	req.Handler = func(data []byte, code int) error {
		if code < 200 || code >= 300 {
			return nil
		}
		return xml.Unmarshal(data, &result)
	}
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return listBucketResult{}, apierr.Wrap(apierr.CommError, err)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return listBucketResult{}, apiErr
	}
	return result, nil
}

// listBucketResult mirrors the subset of the S3 ListObjectsV2 XML
// response this provider needs.
type listBucketResult struct {
	XMLName               xml.Name           `xml:"ListBucketResult"`
	IsTruncated           bool               `xml:"IsTruncated"`
	NextContinuationToken string             `xml:"NextContinuationToken"`
	Contents              []listObject       `xml:"Contents"`
	CommonPrefixes        []listCommonPrefix `xml:"CommonPrefixes"`
}

type listObject struct {
	Key          string `xml:"Key"`
	Size         int64  `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

type listCommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// GetTotalDriveSpace reports a large fixed capacity: S3 has no fixed
// quota in the general case (spec.md S4.6).
func (p *Provider) GetTotalDriveSpace(ctx context.Context) int64 {
	return 1<<63 - 1
}

// GetUsedDriveSpace sums the (decrypted) size of every known file.
func (p *Provider) GetUsedDriveSpace(ctx context.Context) int64 {
	files, apiErr := p.GetFileList(ctx)
	if apiErr != nil {
		return 0
	}
	var total int64
	for _, f := range files {
		total += f.FileSize
	}
	return total
}

// ReadFileBytes issues a range GET, transparently decrypting through
// the shared transport's Decryptor seam when this provider is
// encrypted (spec.md S4.2 "Encrypted transparent read"), retrying up
// to retryReadCount+1 times with a 1s backoff on any transport error or
// non-2xx response (spec.md S4.6/S4.7 shared retry policy).
func (p *Provider) ReadFileBytes(ctx context.Context, apiPath string, size, offset int64, cancel <-chan struct{}) ([]byte, *apierr.APIError) {
	var lastErr *apierr.APIError
	for attempt := 0; attempt <= p.retryReadCount; attempt++ {
		out, apiErr := p.readFileBytesOnce(ctx, apiPath, size, offset, cancel)
		if apiErr == nil {
			return out, nil
		}
		lastErr = apiErr
		if attempt < p.retryReadCount {
			log.WithField("api_path", apiPath).WithField("attempt", attempt).WithError(apiErr).Debug("read failed, retrying")
			select {
			case <-time.After(readRetryBackoff):
			case <-cancel:
				return nil, apierr.New(apierr.DownloadStopped)
			case <-ctx.Done():
				return nil, apierr.Wrap(apierr.DownloadFailed, ctx.Err())
			}
		}
	}
	return nil, lastErr
}

func (p *Provider) readFileBytesOnce(ctx context.Context, apiPath string, size, offset int64, cancel <-chan struct{}) ([]byte, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	key, err := p.objectKey(apiPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Error, err)
	}

	var out []byte
	var req transport.GetRequest
	req.Path = key
	req.Handler = func(data []byte, code int) error {
		out = data
		return nil
	}

	if p.cipher != nil {
		totalEnc, apiErr := p.headSize(ctx, key)
		if apiErr != nil {
			return nil, apiErr
		}
		totalPlain, err := p.cipher.DecryptedSize(totalEnc)
		if err != nil {
			return nil, apierr.Wrap(apierr.Error, err)
		}
		req.DecryptionToken = p.cfg.EncryptionToken
		req.DecryptionTotal = totalPlain
		req.DecryptionRange = &provider.Range{Begin: offset, End: offset + size - 1}
	} else {
		req.Range = &provider.Range{Begin: offset, End: offset + size - 1}
	}

	code, httpErr := p.transport.MakeRequest(ctx, p.hostCfg, req, cancel)
	if httpErr != nil {
		return nil, apierr.Wrap(apierr.DownloadFailed, httpErr)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil && code != 0 {
		return nil, apiErr
	}
	return out, nil
}

func (p *Provider) headSize(ctx context.Context, key string) (int64, *apierr.APIError) {
	headers := transport.HeaderSink{}
	var req transport.HeadRequest
	req.Path = key
	req.ResponseHeaders = headers
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.CommError, err)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return 0, apiErr
	}
	return parseContentLength(headers["content-length"]), nil
}

// UploadFile PUTs sourcePath's content, encrypting it on the fly when
// this provider is encrypted.
func (p *Provider) UploadFile(ctx context.Context, apiPath, sourcePath string, cancel <-chan struct{}) *apierr.APIError {
	apiPath = provider.NormalizeAPIPath(apiPath)
	key, err := p.objectKey(apiPath)
	if err != nil {
		return apierr.Wrap(apierr.Error, err)
	}

	var req transport.PutFileRequest
	req.Path = key
	if p.cipher == nil {
		req.Source = transport.PutSource{FilePath: sourcePath}
	} else {
		in, osErr := os.Open(sourcePath)
		if osErr != nil {
			return apierr.Wrap(apierr.UploadFailed, osErr)
		}
		defer func() { _ = in.Close() }()

		info, osErr := in.Stat()
		if osErr != nil {
			return apierr.Wrap(apierr.UploadFailed, osErr)
		}
		encReader, err := cipher.NewEncryptingReader(p.cipher, in)
		if err != nil {
			return apierr.Wrap(apierr.UploadFailed, err)
		}
		req.Source = transport.PutSource{Reader: encReader, ContentLength: p.cipher.EncryptedSize(info.Size())}
	}

	code, httpErr := p.transport.MakeRequest(ctx, p.hostCfg, req, cancel)
	if httpErr != nil {
		return apierr.Wrap(apierr.UploadFailed, httpErr)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return apiErr
	}
	return nil
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
