package s3

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeBucket struct {
	objects map[string][]byte
}

func newFakeServer(t *testing.T, b *fakeBucket) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("list-type") == "2" {
				serveList(w, b, r.URL.Query())
				return
			}
			data, ok := b.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
		case http.MethodHead:
			data, ok := b.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body := readAll(r)
			b.objects[key] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(b.objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return httptest.NewServer(mux)
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

type xmlResult struct {
	XMLName        xml.Name `xml:"ListBucketResult"`
	Contents       []xmlObj `xml:"Contents"`
	CommonPrefixes []xmlCP  `xml:"CommonPrefixes"`
	IsTruncated    bool     `xml:"IsTruncated"`
}
type xmlObj struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}
type xmlCP struct {
	Prefix string `xml:"Prefix"`
}

func serveList(w http.ResponseWriter, b *fakeBucket, q url.Values) {
	prefix := q.Get("prefix")
	delim := q.Get("delimiter")
	seenPrefixes := map[string]bool{}
	result := xmlResult{}
	for key, data := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if delim != "" {
			if idx := strings.Index(rest, delim); idx >= 0 {
				cp := prefix + rest[:idx+1]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					result.CommonPrefixes = append(result.CommonPrefixes, xmlCP{Prefix: cp})
				}
				continue
			}
		}
		result.Contents = append(result.Contents, xmlObj{Key: key, Size: int64(len(data))})
	}
	data, _ := xml.Marshal(result)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func testS3Config(t *testing.T, srv *httptest.Server) config.S3Config {
	t.Helper()
	return config.S3Config{
		Bucket:       "test-bucket",
		Region:       "us-east-1",
		AccessKey:    "AKIDEXAMPLE",
		SecretKey:    "secret",
		URL:          srv.URL,
		UsePathStyle: true,
	}
}

func TestUploadThenReadRoundTrip(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{}}
	srv := newFakeServer(t, b)
	defer srv.Close()

	store := newTestStore(t)
	p, err := New(testS3Config(t, srv), 0, store)
	require.NoError(t, err)

	tmp, err := os.CreateTemp(t.TempDir(), "upload-*.bin")
	require.NoError(t, err)
	content := []byte("hello from the upload path")
	_, err = tmp.Write(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	apiErr := p.UploadFile(context.Background(), "/dir/file.txt", tmp.Name(), nil)
	require.Nil(t, apiErr)

	got, apiErr := p.ReadFileBytes(context.Background(), "/dir/file.txt", int64(len(content)), 0, nil)
	require.Nil(t, apiErr)
	assert.Equal(t, content, got)
}

func TestRemoveFileThenIsFile(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{"a.txt": []byte("x")}}
	srv := newFakeServer(t, b)
	defer srv.Close()

	store := newTestStore(t)
	p, err := New(testS3Config(t, srv), 0, store)
	require.NoError(t, err)
	require.Nil(t, store.SetItemMeta("/a.txt", provider.Meta{}))

	apiErr := p.RemoveFile(context.Background(), "/a.txt")
	require.Nil(t, apiErr)

	isFile, apiErr := p.IsFile(context.Background(), "/a.txt")
	require.Nil(t, apiErr)
	assert.False(t, isFile)
}

func TestRenameFileNotSupported(t *testing.T) {
	srv := newFakeServer(t, &fakeBucket{objects: map[string][]byte{}})
	defer srv.Close()
	store := newTestStore(t)
	p, err := New(testS3Config(t, srv), 0, store)
	require.NoError(t, err)

	apiErr := p.RenameFile(context.Background(), "/a", "/b")
	require.NotNil(t, apiErr)
	assert.Equal(t, "not_supported", apiErr.Code.String())
}

func TestGetDirectoryItemsFiltersSelfEntry(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{
		"dir/":        {},
		"dir/a.txt":   []byte("aaa"),
		"dir/b.txt":   []byte("bb"),
		"dir/sub/c.o": []byte("c"),
	}}
	srv := newFakeServer(t, b)
	defer srv.Close()
	store := newTestStore(t)
	p, err := New(testS3Config(t, srv), 0, store)
	require.NoError(t, err)

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

func TestEncryptedProviderNameRoundTrip(t *testing.T) {
	b := &fakeBucket{objects: map[string][]byte{}}
	srv := newFakeServer(t, b)
	defer srv.Close()

	cfg := testS3Config(t, srv)
	cfg.EncryptionToken = "super secret token"
	store := newTestStore(t)
	p, err := New(cfg, 0, store)
	require.NoError(t, err)

	tmp, err := os.CreateTemp(t.TempDir(), "upload-*.bin")
	require.NoError(t, err)
	content := []byte("plaintext payload for the encrypted provider path")
	_, err = tmp.Write(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	apiErr := p.UploadFile(context.Background(), "/secret/note.txt", tmp.Name(), nil)
	require.Nil(t, apiErr)

	var storedKeys []string
	for k := range b.objects {
		storedKeys = append(storedKeys, k)
	}
	require.Len(t, storedKeys, 1)
	assert.NotContains(t, storedKeys[0], "secret")
	assert.NotContains(t, storedKeys[0], "note.txt")

	got, apiErr := p.ReadFileBytes(context.Background(), "/secret/note.txt", int64(len(content)), 0, nil)
	require.Nil(t, apiErr)
	assert.Equal(t, content, got)
}
