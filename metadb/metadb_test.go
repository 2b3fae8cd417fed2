package metadb

import (
	"path/filepath"
	"testing"

	"github.com/repertory-project/repertory/apierr"
	"github.com/repertory-project/repertory/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateDirectoryThenRemoveMetadataLinkage(t *testing.T) {
	s := openTestStore(t)

	meta := provider.Meta{provider.MetaMode: "0755", provider.MetaDirectory: "1"}
	require.Nil(t, s.SetItemMeta("/d", meta))

	got, apiErr := s.GetItemMeta("/d")
	require.Nil(t, apiErr)
	assert.Equal(t, "1", got[provider.MetaDirectory])
	assert.Equal(t, "0755", got[provider.MetaMode])

	require.Nil(t, s.RemoveAPIPath("/d"))

	_, apiErr = s.GetItemMeta("/d")
	require.NotNil(t, apiErr)
	assert.True(t, apierr.Is(apiErr, apierr.ItemNotFound))
}

func TestRenameItemMetaMovesRow(t *testing.T) {
	s := openTestStore(t)

	require.Nil(t, s.SetItemMeta("/a", provider.Meta{provider.MetaSize: "10"}))
	require.Nil(t, s.RenameItemMeta("/a", "/b"))

	_, apiErr := s.GetItemMeta("/a")
	assert.True(t, apierr.Is(apiErr, apierr.ItemNotFound))

	got, apiErr := s.GetItemMeta("/b")
	require.Nil(t, apiErr)
	assert.Equal(t, "10", got[provider.MetaSize])
}

func TestRenameMissingSourceFails(t *testing.T) {
	s := openTestStore(t)
	apiErr := s.RenameItemMeta("/missing", "/b")
	require.NotNil(t, apiErr)
	assert.True(t, apierr.Is(apiErr, apierr.ItemNotFound))
}

func TestSourcePathReverseLookup(t *testing.T) {
	s := openTestStore(t)
	require.Nil(t, s.SetItemMeta("/f", provider.Meta{provider.MetaSource: "/cache/abc"}))

	got, apiErr := s.GetAPIPath("/cache/abc")
	require.Nil(t, apiErr)
	assert.Equal(t, "/f", got)
}

func TestPinnedFiles(t *testing.T) {
	s := openTestStore(t)
	require.Nil(t, s.SetItemMeta("/pinned-file", provider.Meta{provider.MetaPinned: "1"}))
	require.Nil(t, s.SetItemMeta("/other", provider.Meta{provider.MetaPinned: "0"}))

	pinned, apiErr := s.GetPinnedFiles()
	require.Nil(t, apiErr)
	assert.Equal(t, []string{"/pinned-file"}, pinned)
}

func TestGetTotalItemCount(t *testing.T) {
	s := openTestStore(t)
	require.Nil(t, s.SetItemMeta("/a", provider.Meta{}))
	require.Nil(t, s.SetItemMeta("/b", provider.Meta{}))

	n, apiErr := s.GetTotalItemCount()
	require.Nil(t, apiErr)
	assert.EqualValues(t, 2, n)
}

func TestRemoveItemMetaSingleKey(t *testing.T) {
	s := openTestStore(t)
	require.Nil(t, s.SetItemMeta("/f", provider.Meta{provider.MetaMode: "0644", provider.MetaUID: "1000"}))
	require.Nil(t, s.RemoveItemMeta("/f", provider.MetaUID))

	got, apiErr := s.GetItemMeta("/f")
	require.Nil(t, apiErr)
	assert.Equal(t, "0644", got[provider.MetaMode])
	assert.Empty(t, got[provider.MetaUID])
}
