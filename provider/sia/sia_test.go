package sia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/config"
	"github.com/repertory-project/repertory/metadb"
	"github.com/repertory-project/repertory/provider"
)

func newTestStore(t *testing.T) *metadb.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "meta-*.db")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	store, err := metadb.Open(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeObject struct {
	data []byte
}

// fakeRenterd emulates just enough of renterd's bus/worker JSON API for
// the Sia provider's tests: a flat object store keyed by path, plus the
// handful of endpoints the provider calls.
type fakeRenterd struct {
	objects   map[string]*fakeObject
	failReads int32 // remaining GETs against worker/objects to fail with 500
}

func (f *fakeRenterd) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bus/consensus/state", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/autopilot/config", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"contracts": map[string]interface{}{"storage": 1 << 40},
		})
	})
	mux.HandleFunc("/api/bus/stats/objects", func(w http.ResponseWriter, r *http.Request) {
		var total int64
		for _, o := range f.objects {
			total += int64(len(o.data))
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"totalObjectsSize": total})
	})
	mux.HandleFunc("/api/bus/objects/rename", func(w http.ResponseWriter, r *http.Request) {
		var body renameBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		from := strings.TrimPrefix(body.From, "/")
		to := strings.TrimPrefix(body.To, "/")
		obj, ok := f.objects[from]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, from)
		f.objects[to] = obj
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/bus/objects/", func(w http.ResponseWriter, r *http.Request) {
		f.handleBusObjects(w, r)
	})
	mux.HandleFunc("/api/worker/objects/", func(w http.ResponseWriter, r *http.Request) {
		f.handleWorkerObjects(w, r)
	})
	return mux
}

func (f *fakeRenterd) handleBusObjects(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/bus/objects/")
	switch r.Method {
	case http.MethodGet:
		if strings.HasSuffix(path, "/") || path == "" {
			f.serveList(w, path)
			return
		}
		obj, ok := f.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var slabs []map[string]interface{}
		slabs = append(slabs, map[string]interface{}{"Length": len(obj.data)})
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": map[string]interface{}{"Slabs": slabs},
		})
	case http.MethodDelete:
		trimmed := strings.TrimSuffix(path, "/")
		found := false
		for key := range f.objects {
			if key == trimmed || strings.HasPrefix(key, trimmed+"/") {
				delete(f.objects, key)
				found = true
			}
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeRenterd) serveList(w http.ResponseWriter, prefix string) {
	type entry struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	seenDirs := map[string]bool{}
	var entries []entry
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			dirName := "/" + prefix + rest[:idx+1]
			if !seenDirs[dirName] {
				seenDirs[dirName] = true
				entries = append(entries, entry{Name: dirName})
			}
			continue
		}
		entries = append(entries, entry{Name: "/" + key, Size: int64(len(obj.data))})
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"entries": entries})
}

func (f *fakeRenterd) handleWorkerObjects(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/worker/objects/")
	switch r.Method {
	case http.MethodPut:
		body := readAll(r)
		f.objects[path] = &fakeObject{data: body}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if atomic.LoadInt32(&f.failReads) > 0 {
			atomic.AddInt32(&f.failReads, -1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		obj, ok := f.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(obj.data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func readAll(r *http.Request) []byte {
	defer func() { _ = r.Body.Close() }()
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 512)
	for {
		n, err := r.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return buf
}

func testHostConfig(t *testing.T, srv *httptest.Server) config.HostConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return config.HostConfig{
		Protocol:     u.Scheme,
		HostNameOrIP: u.Hostname(),
		APIPort:      port,
	}
}

func newTestProvider(t *testing.T, f *fakeRenterd, retryReadCount int) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.mux())
	t.Cleanup(srv.Close)
	store := newTestStore(t)
	p := New(testHostConfig(t, srv), retryReadCount, store)
	return p, srv
}

func TestIsOnline(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{}}
	p, _ := newTestProvider(t, f, 0)
	assert.True(t, p.IsOnline(context.Background()))
}

func TestUploadThenReadRoundTrip(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{}}
	p, _ := newTestProvider(t, f, 0)

	tmp, err := os.CreateTemp(t.TempDir(), "upload-*.bin")
	require.NoError(t, err)
	content := []byte("hello from the sia upload path")
	_, err = tmp.Write(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	apiErr := p.UploadFile(context.Background(), "/dir/file.txt", tmp.Name(), nil)
	require.Nil(t, apiErr)

	got, apiErr := p.ReadFileBytes(context.Background(), "/dir/file.txt", int64(len(content)), 0, nil)
	require.Nil(t, apiErr)
	assert.Equal(t, content, got)

	isFile, apiErr := p.IsFile(context.Background(), "/dir/file.txt")
	require.Nil(t, apiErr)
	assert.True(t, isFile)
}

func TestReadFileBytesRetriesOnFailure(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{"dir/file.txt": {data: []byte("payload")}}, failReads: 2}
	p, _ := newTestProvider(t, f, 3)

	got, apiErr := p.ReadFileBytes(context.Background(), "/dir/file.txt", int64(len("payload")), 0, nil)
	require.Nil(t, apiErr)
	assert.Equal(t, []byte("payload"), got)
}

func TestReadFileBytesGivesUpAfterRetryBudget(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{"dir/file.txt": {data: []byte("payload")}}, failReads: 10}
	p, _ := newTestProvider(t, f, 1)

	_, apiErr := p.ReadFileBytes(context.Background(), "/dir/file.txt", int64(len("payload")), 0, nil)
	require.NotNil(t, apiErr)
}

func TestRemoveFileThenIsFile(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{"a.txt": {data: []byte("x")}}}
	p, _ := newTestProvider(t, f, 0)
	require.Nil(t, p.SetItemMeta(context.Background(), "/a.txt", provider.Meta{}))

	apiErr := p.RemoveFile(context.Background(), "/a.txt")
	require.Nil(t, apiErr)

	isFile, apiErr := p.IsFile(context.Background(), "/a.txt")
	require.Nil(t, apiErr)
	assert.False(t, isFile)
}

func TestRenameFileSucceeds(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{"a.txt": {data: []byte("x")}}}
	p, _ := newTestProvider(t, f, 0)
	require.Nil(t, p.SetItemMeta(context.Background(), "/a.txt", provider.Meta{provider.MetaSize: "1"}))

	apiErr := p.RenameFile(context.Background(), "/a.txt", "/b.txt")
	require.Nil(t, apiErr)

	_, apiErr = p.objectInfo(context.Background(), "/a.txt")
	require.NotNil(t, apiErr)
	assert.True(t, apierr.Is(apiErr, apierr.ItemNotFound))

	size, apiErr := p.objectInfo(context.Background(), "/b.txt")
	require.Nil(t, apiErr)
	assert.EqualValues(t, 1, size)

	got, apiErr := p.GetItemMeta(context.Background(), "/b.txt")
	require.Nil(t, apiErr)
	assert.Equal(t, "1", got[provider.MetaSize])
}

func TestGetDirectoryItemsFiltersSelfEntry(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{
		"dir/a.txt":   {data: []byte("aaa")},
		"dir/b.txt":   {data: []byte("bb")},
		"dir/sub/c.o": {data: []byte("c")},
	}}
	p, _ := newTestProvider(t, f, 0)

	items, apiErr := p.GetDirectoryItems(context.Background(), "/dir")
	require.Nil(t, apiErr)

	var names []string
	for _, it := range items {
		names = append(names, it.APIPath)
	}
	assert.NotContains(t, names, "/dir")
	assert.Contains(t, names, "/dir/a.txt")
	assert.Contains(t, names, "/dir/b.txt")
	assert.Contains(t, names, "/dir/sub")
}

func TestGetTotalAndUsedDriveSpace(t *testing.T) {
	f := &fakeRenterd{objects: map[string]*fakeObject{"a.txt": {data: []byte("12345")}}}
	p, _ := newTestProvider(t, f, 0)

	assert.EqualValues(t, 1<<40, p.GetTotalDriveSpace(context.Background()))
	assert.EqualValues(t, 5, p.GetUsedDriveSpace(context.Background()))
}
