// Package sia implements the Sia renterd provider (spec.md S4.7, C7):
// paths pass through unchanged, uploads/downloads/listing/rename all
// go through the modern bus/worker JSON endpoints. Modeled on
// backend/sia/sia.go's Fs/Object split and backend/sia/api/types.go's
// JSON shapes, retargeted from the teacher's "renter/stream" API onto
// renterd's bus/worker split since the teacher predates that API.
package sia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/config"
	"github.com/repertory-project/repertory/metadb"
	"github.com/repertory-project/repertory/provider"
	"github.com/repertory-project/repertory/transport"
)

var log = logrus.WithField("component", "provider/sia")

const readRetryBackoff = time.Second

// Provider implements provider.Provider against a renterd bus/worker
// API.
type Provider struct {
	hostCfg        transport.HostConfig
	meta           *metadb.Store
	transport      *transport.Transport
	retryReadCount int
}

// New constructs a Sia provider. retryReadCount is the number of extra
// attempts ReadFileBytes makes on a failed range read (spec.md S4.7
// "up to retry_read_count+1 attempts with 1s backoff").
func New(hc config.HostConfig, retryReadCount int, meta *metadb.Store) *Provider {
	return &Provider{
		hostCfg: transport.HostConfig{
			Scheme:      hc.Protocol,
			Host:        hc.HostNameOrIP,
			Port:        hc.APIPort,
			BasePath:    hc.Path,
			User:        hc.APIUser,
			Password:    hc.APIPassword,
			AgentString: hc.AgentString,
		},
		meta:           meta,
		transport:      transport.New(nil),
		retryReadCount: retryReadCount,
	}
}

// Start lists the whole tree recursively from the root, surfacing
// every path that has no metadata row through added, matching
// spec.md S4.7's "directory listings that surface unseen paths call
// api_item_added for the new entry before returning it."
func (p *Provider) Start(ctx context.Context, added provider.ItemAddedFunc) error {
	return p.walk(ctx, "/", added)
}

func (p *Provider) walk(ctx context.Context, apiPath string, added provider.ItemAddedFunc) error {
	items, apiErr := p.listWithAdded(ctx, apiPath, added)
	if apiErr != nil {
		return apiErr
	}
	for _, item := range items {
		if item.Directory {
			if err := p.walk(ctx, item.APIPath, added); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop is a no-op.
func (p *Provider) Stop(ctx context.Context) error { return nil }

// IsOnline probes the consensus-state endpoint.
func (p *Provider) IsOnline(ctx context.Context) bool {
	var req transport.GetRequest
	req.Path = "api/bus/consensus/state"
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	return err == nil && code >= 200 && code < 300
}

func (p *Provider) IsReadOnly() bool        { return false }
func (p *Provider) IsRenameSupported() bool { return true }

func objectPath(apiPath string) string {
	return strings.TrimPrefix(provider.NormalizeAPIPath(apiPath), "/")
}

// dirObjectPath builds a bus/worker object path for a directory listing
// or directory marker, always ending in exactly one trailing slash (the
// root collapses to "base/" rather than "base//").
func dirObjectPath(base, apiPath string) string {
	p := objectPath(apiPath)
	if p == "" {
		return base + "/"
	}
	return base + "/" + p + "/"
}

// CreateDirectory issues PUT /api/worker/objects{path}/ to create the
// directory marker (spec.md S4.7).
func (p *Provider) CreateDirectory(ctx context.Context, apiPath string, meta provider.Meta) *apierr.APIError {
	var req transport.PutFileRequest
	req.Path = dirObjectPath("api/worker/objects", apiPath)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return apierr.Wrap(apierr.UploadFailed, err)
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

// RemoveDirectory issues DELETE against the trailing-slash path.
func (p *Provider) RemoveDirectory(ctx context.Context, apiPath string) *apierr.APIError {
	var req transport.DeleteRequest
	req.Path = dirObjectPath("api/bus/objects", apiPath)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return apierr.Wrap(apierr.CommError, err)
	}
	if code != 200 && code != 404 {
		if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
			return apiErr
		}
	}
	return p.meta.RemoveAPIPath(provider.NormalizeAPIPath(apiPath))
}

// RemoveFile issues DELETE against the bare path.
func (p *Provider) RemoveFile(ctx context.Context, apiPath string) *apierr.APIError {
	var req transport.DeleteRequest
	req.Path = "api/bus/objects/" + objectPath(apiPath)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return apierr.Wrap(apierr.CommError, err)
	}
	if code != 200 && code != 404 {
		if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
			return apiErr
		}
	}
	return p.meta.RemoveAPIPath(provider.NormalizeAPIPath(apiPath))
}

type renameBody struct {
	From string `json:"from"`
	To   string `json:"to"`
	Mode string `json:"mode"`
}

// RenameFile issues POST /api/bus/objects/rename, then atomically
// renames the metadata row on success (spec.md S4.7).
func (p *Provider) RenameFile(ctx context.Context, from, to string) *apierr.APIError {
	var req transport.PostRequest
	req.Path = "api/bus/objects/rename"
	req.JSONBody = renameBody{
		From: "/" + objectPath(from),
		To:   "/" + objectPath(to),
		Mode: "single",
	}
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return apierr.Wrap(apierr.CommError, err)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return apiErr
	}
	return p.meta.RenameItemMeta(provider.NormalizeAPIPath(from), provider.NormalizeAPIPath(to))
}

// IsFile reports whether apiPath names an object (not a directory).
func (p *Provider) IsFile(ctx context.Context, apiPath string) (bool, *apierr.APIError) {
	_, apiErr := p.objectInfo(ctx, apiPath)
	if apiErr != nil {
		if apierr.Is(apiErr, apierr.ItemNotFound) {
			return false, nil
		}
		return false, apiErr
	}
	return true, nil
}

// IsDirectory lists apiPath as a directory and succeeds if the bus
// reports any entries (including itself as an empty listing).
func (p *Provider) IsDirectory(ctx context.Context, apiPath string) (bool, *apierr.APIError) {
	if provider.NormalizeAPIPath(apiPath) == "/" {
		return true, nil
	}
	var req transport.GetRequest
	req.Path = dirObjectPath("api/bus/objects", apiPath)
	var result listObjectsResponse
	req.Handler = jsonHandler(&result)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return false, apierr.Wrap(apierr.CommError, err)
	}
	if code == 404 {
		return false, nil
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return false, apiErr
	}
	return true, nil
}

type slabsObject struct {
	Object struct {
		Slabs []struct {
			Length int64 `json:"Length"`
		} `json:"Slabs"`
	} `json:"object"`
}

func (p *Provider) objectInfo(ctx context.Context, apiPath string) (int64, *apierr.APIError) {
	var req transport.GetRequest
	req.Path = "api/bus/objects/" + objectPath(apiPath)
	var result slabsObject
	req.Handler = jsonHandler(&result)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.CommError, err)
	}
	if code == 404 {
		return 0, apierr.New(apierr.ItemNotFound)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return 0, apiErr
	}
	var size int64
	for _, s := range result.Object.Slabs {
		size += s.Length
	}
	return size, nil
}

func jsonHandler(out interface{}) transport.ResponseHandler {
	return func(data []byte, code int) error {
		if code < 200 || code >= 300 || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}
}

// GetFile builds an ApiFile from the bus object-info endpoint and the
// metadata row.
func (p *Provider) GetFile(ctx context.Context, apiPath string) (provider.ApiFile, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	size, apiErr := p.objectInfo(ctx, apiPath)
	if apiErr != nil {
		return provider.ApiFile{}, apiErr
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

type listObjectsResponse struct {
	Entries []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"entries"`
}

// GetDirectoryItems lists apiPath's immediate children via
// GET /api/bus/objects{path}/, filtering the self-entry (spec.md S4.7).
func (p *Provider) GetDirectoryItems(ctx context.Context, apiPath string) ([]provider.DirectoryItem, *apierr.APIError) {
	return p.listWithAdded(ctx, apiPath, nil)
}

func (p *Provider) listWithAdded(ctx context.Context, apiPath string, added provider.ItemAddedFunc) ([]provider.DirectoryItem, *apierr.APIError) {
	apiPath = provider.NormalizeAPIPath(apiPath)
	queryPath := dirObjectPath("", apiPath)

	var req transport.GetRequest
	req.Path = "api/bus/objects" + queryPath
	var result listObjectsResponse
	req.Handler = jsonHandler(&result)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.CommError, err)
	}
	if apiErr := transport.StatusCodeToAPIError(code); apiErr != nil {
		return nil, apiErr
	}

	var items []provider.DirectoryItem
	for _, e := range result.Entries {
		if e.Name == queryPath || e.Name == strings.TrimPrefix(queryPath, "/") {
			continue // self-entry, filtered per spec.md S4.7
		}
		directory := strings.HasSuffix(e.Name, "/")
		childAPIPath := provider.NormalizeAPIPath(e.Name)
		items = append(items, p.surfaceItem(ctx, childAPIPath, directory, e.Size, added))
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

type autopilotConfig struct {
	Contracts struct {
		Storage int64 `json:"storage"`
	} `json:"contracts"`
}

// GetTotalDriveSpace surfaces autopilot/config.contracts.storage as-is
// (spec.md Open Questions #2: "the value is surfaced as-is").
func (p *Provider) GetTotalDriveSpace(ctx context.Context) int64 {
	var req transport.GetRequest
	req.Path = "api/autopilot/config"
	var result autopilotConfig
	req.Handler = jsonHandler(&result)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil || code < 200 || code >= 300 {
		return 0
	}
	return result.Contracts.Storage
}

type statsObjectsResponse struct {
	TotalObjectsSize int64 `json:"totalObjectsSize"`
}

// GetUsedDriveSpace reads /api/bus/stats/objects.
func (p *Provider) GetUsedDriveSpace(ctx context.Context) int64 {
	var req transport.GetRequest
	req.Path = "api/bus/stats/objects"
	var result statsObjectsResponse
	req.Handler = jsonHandler(&result)
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, nil)
	if err != nil || code < 200 || code >= 300 {
		return 0
	}
	return result.TotalObjectsSize
}

// ReadFileBytes issues a range GET against the worker endpoint,
// retrying up to retryReadCount+1 times with a 1s backoff on any
// transport error or non-2xx response (spec.md S4.7/S4.6 shared retry
// policy).
func (p *Provider) ReadFileBytes(ctx context.Context, apiPath string, size, offset int64, cancel <-chan struct{}) ([]byte, *apierr.APIError) {
	path := objectPath(apiPath)

	var lastErr *apierr.APIError
	for attempt := 0; attempt <= p.retryReadCount; attempt++ {
		var out []byte
		var req transport.GetRequest
		req.Path = "api/worker/objects/" + path
		req.Query = url.Values{"response-content-type": {"binary/octet-stream"}}
		req.Range = &provider.Range{Begin: offset, End: offset + size - 1}
		req.Handler = func(data []byte, code int) error {
			out = data
			return nil
		}

		code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, cancel)
		if err == nil && code >= 200 && code < 300 {
			return out, nil
		}
		if err != nil {
			lastErr = apierr.Wrap(apierr.DownloadFailed, err)
		} else {
			lastErr = transport.StatusCodeToAPIError(code)
			if lastErr == nil {
				lastErr = apierr.New(apierr.DownloadFailed)
			}
		}
		if attempt < p.retryReadCount {
			log.WithField("api_path", apiPath).WithField("attempt", attempt).WithError(lastErr).Debug("read failed, retrying")
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

// UploadFile PUTs sourcePath's content to the worker endpoint.
func (p *Provider) UploadFile(ctx context.Context, apiPath, sourcePath string, cancel <-chan struct{}) *apierr.APIError {
	var req transport.PutFileRequest
	req.Path = "api/worker/objects/" + objectPath(apiPath)
	req.Source = transport.PutSource{FilePath: sourcePath}
	code, err := p.transport.MakeRequest(ctx, p.hostCfg, req, cancel)
	if err != nil {
		return apierr.Wrap(apierr.UploadFailed, err)
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
