package encrypt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repertory-project/repertory/apierr"
	gocipher "github.com/repertory-project/repertory/cipher"
	"github.com/repertory-project/repertory/config"
	"github.com/repertory-project/repertory/metadb"
	"github.com/repertory-project/repertory/provider"
)

const testToken = "correct horse battery staple"

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

// buildEncryptedTree writes an on-disk tree whose names and content are
// already encrypted under testToken, exactly as this provider expects
// to find it: root/<encDir>/<encFile> holding the chunked ciphertext
// for content.
func buildEncryptedTree(t *testing.T, content []byte) string {
	t.Helper()
	root := t.TempDir()

	c, err := gocipher.New(testToken, gocipher.KDFBlake2b)
	require.NoError(t, err)

	encDir, err := c.EncryptSegment("dir")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(root, encDir), 0o755))

	encFile, err := c.EncryptSegment("file.txt")
	require.NoError(t, err)
	enc, err := c.EncryptAll(content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, encDir, encFile), enc, 0o644))

	return root
}

func newTestProvider(t *testing.T, root string) *Provider {
	t.Helper()
	store := newTestStore(t)
	p, err := New(config.EncryptionConfig{Path: root, Token: testToken, KDFVariant: "blake2b"}, store)
	require.NoError(t, err)
	return p
}

func TestGetDirectoryItemsDecryptsNames(t *testing.T) {
	content := []byte("hello from the encrypted mirror")
	root := buildEncryptedTree(t, content)
	p := newTestProvider(t, root)

	top, apiErr := p.GetDirectoryItems(context.Background(), "/")
	require.Nil(t, apiErr)
	require.Len(t, top, 1)
	assert.Equal(t, "/dir", top[0].APIPath)
	assert.True(t, top[0].Directory)

	children, apiErr := p.GetDirectoryItems(context.Background(), "/dir")
	require.Nil(t, apiErr)
	require.Len(t, children, 1)
	assert.Equal(t, "/dir/file.txt", children[0].APIPath)
	assert.False(t, children[0].Directory)
	assert.EqualValues(t, len(content), children[0].Size)
}

func TestReadFileBytesDecryptsContent(t *testing.T) {
	content := []byte("hello from the encrypted mirror, read in full")
	root := buildEncryptedTree(t, content)
	p := newTestProvider(t, root)

	got, apiErr := p.ReadFileBytes(context.Background(), "/dir/file.txt", int64(len(content)), 0, nil)
	require.Nil(t, apiErr)
	assert.Equal(t, content, got)
}

func TestReadFileBytesPartialRange(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	root := buildEncryptedTree(t, content)
	p := newTestProvider(t, root)

	got, apiErr := p.ReadFileBytes(context.Background(), "/dir/file.txt", 10, 5, nil)
	require.Nil(t, apiErr)
	assert.Equal(t, content[5:15], got)
}

func TestIsFileAndIsDirectory(t *testing.T) {
	content := []byte("x")
	root := buildEncryptedTree(t, content)
	p := newTestProvider(t, root)

	isFile, apiErr := p.IsFile(context.Background(), "/dir/file.txt")
	require.Nil(t, apiErr)
	assert.True(t, isFile)

	isDir, apiErr := p.IsDirectory(context.Background(), "/dir")
	require.Nil(t, apiErr)
	assert.True(t, isDir)

	isFile, apiErr = p.IsFile(context.Background(), "/dir/missing.txt")
	require.Nil(t, apiErr)
	assert.False(t, isFile)
}

func TestMutatingOperationsReturnNotImplemented(t *testing.T) {
	root := buildEncryptedTree(t, []byte("x"))
	p := newTestProvider(t, root)

	assert.True(t, apierr.Is(p.CreateDirectory(context.Background(), "/new", nil), apierr.NotImplemented))
	assert.True(t, apierr.Is(p.RemoveDirectory(context.Background(), "/dir"), apierr.NotImplemented))
	assert.True(t, apierr.Is(p.RemoveFile(context.Background(), "/dir/file.txt"), apierr.NotImplemented))
	assert.True(t, apierr.Is(p.RenameFile(context.Background(), "/dir/file.txt", "/dir/other.txt"), apierr.NotImplemented))
	assert.True(t, apierr.Is(p.UploadFile(context.Background(), "/dir/file.txt", "/tmp/whatever", nil), apierr.NotImplemented))
	assert.False(t, p.IsRenameSupported())
	assert.True(t, p.IsReadOnly())
}

func TestStartSurfacesUnseenPaths(t *testing.T) {
	content := []byte("hello")
	root := buildEncryptedTree(t, content)
	p := newTestProvider(t, root)

	var seen []string
	err := p.Start(context.Background(), func(ctx context.Context, directory bool, file provider.ApiFile) error {
		seen = append(seen, file.APIPath)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, seen, "/dir")
	assert.Contains(t, seen, "/dir/file.txt")
}
