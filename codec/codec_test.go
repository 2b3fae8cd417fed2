package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutUint8(0xAB)
	w.PutUint16(0x1234)
	w.PutUint32(0xDEADBEEF)
	w.PutUint64(0x0102030405060708)
	w.PutInt64(-12345)
	w.PutBool(true)
	w.PutString("hello, world")

	r := NewReader(w.Bytes())
	u8, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), u8)

	u16, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	i64, err := r.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-12345), i64)

	b, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "hello, world", s)

	assert.Equal(t, 0, r.Remaining())
}

func TestDecodeBufferOverflow(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.Uint32()
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestDecodeStringTooShort(t *testing.T) {
	w := NewWriter()
	w.PutUint32(100) // claims 100 bytes but none follow
	r := NewReader(w.Bytes())
	_, err := r.Bytes()
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestStatRoundTrip(t *testing.T) {
	st := Stat{
		Mode: 0o755, UID: 1000, GID: 1000, Size: 4096,
		ATime: 111, MTime: 222, CTime: 333, NLink: 1, BlkSize: 512,
	}
	w := NewWriter()
	st.Encode(w)
	assert.Equal(t, 4+4+4+8+8+8+8+4+4, w.Len())

	got, err := DecodeStat(NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestStatFSRoundTrip(t *testing.T) {
	stfs := StatFS{BlockSize: 4096, Blocks: 1000, BlocksFree: 500, Files: 10, FilesFree: 5}
	w := NewWriter()
	stfs.Encode(w)
	got, err := DecodeStatFS(NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, stfs, got)
}

func TestFileInfoRoundTrip(t *testing.T) {
	fi := FileInfo{Attributes: 0x20, CreationTime: 1, LastAccessTime: 2, LastWriteTime: 3, ChangeTime: 4, FileSize: 999}
	w := NewWriter()
	fi.Encode(w)
	got, err := DecodeFileInfo(NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, fi, got)
}

func TestSetattrXRoundTrip(t *testing.T) {
	sa := SetattrX{Mask: SetattrMode | SetattrSize, Mode: 0o644, Size: 1234}
	w := NewWriter()
	sa.Encode(w)
	got, err := DecodeSetattrX(NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, sa, got)
}

func TestPrependTop(t *testing.T) {
	w := NewWriter()
	w.PutString("payload")
	length := NewWriter()
	length.PutUint32(uint32(w.Len()))
	w.PrependTop(length.Bytes())

	r := NewReader(w.Bytes())
	n, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(len("payload")+4), n)
}
