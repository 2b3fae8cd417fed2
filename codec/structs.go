package codec

// Stat mirrors a POSIX stat(2) result, encoded field-by-field in
// declared order as spec.md S4.1 requires.
type Stat struct {
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    int64
	ATime   int64
	MTime   int64
	CTime   int64
	NLink   uint32
	BlkSize uint32
}

// Encode appends st to w in declared-field order.
func (st Stat) Encode(w *Writer) {
	w.PutUint32(st.Mode)
	w.PutUint32(st.UID)
	w.PutUint32(st.GID)
	w.PutInt64(st.Size)
	w.PutInt64(st.ATime)
	w.PutInt64(st.MTime)
	w.PutInt64(st.CTime)
	w.PutUint32(st.NLink)
	w.PutUint32(st.BlkSize)
}

// DecodeStat reads a Stat in the same order Encode wrote it.
func DecodeStat(r *Reader) (st Stat, err error) {
	if st.Mode, err = r.Uint32(); err != nil {
		return
	}
	if st.UID, err = r.Uint32(); err != nil {
		return
	}
	if st.GID, err = r.Uint32(); err != nil {
		return
	}
	if st.Size, err = r.Int64(); err != nil {
		return
	}
	if st.ATime, err = r.Int64(); err != nil {
		return
	}
	if st.MTime, err = r.Int64(); err != nil {
		return
	}
	if st.CTime, err = r.Int64(); err != nil {
		return
	}
	if st.NLink, err = r.Uint32(); err != nil {
		return
	}
	st.BlkSize, err = r.Uint32()
	return
}

// StatFS mirrors a POSIX statfs(2) result.
type StatFS struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
}

// Encode appends stfs to w in declared-field order.
func (stfs StatFS) Encode(w *Writer) {
	w.PutUint32(stfs.BlockSize)
	w.PutUint64(stfs.Blocks)
	w.PutUint64(stfs.BlocksFree)
	w.PutUint64(stfs.Files)
	w.PutUint64(stfs.FilesFree)
}

// DecodeStatFS reads a StatFS in the same order Encode wrote it.
func DecodeStatFS(r *Reader) (stfs StatFS, err error) {
	if stfs.BlockSize, err = r.Uint32(); err != nil {
		return
	}
	if stfs.Blocks, err = r.Uint64(); err != nil {
		return
	}
	if stfs.BlocksFree, err = r.Uint64(); err != nil {
		return
	}
	if stfs.Files, err = r.Uint64(); err != nil {
		return
	}
	stfs.FilesFree, err = r.Uint64()
	return
}

// FileInfo mirrors a Windows-like file_info result.
type FileInfo struct {
	Attributes     uint32
	CreationTime   int64
	LastAccessTime int64
	LastWriteTime  int64
	ChangeTime     int64
	FileSize       int64
}

// Encode appends fi to w in declared-field order.
func (fi FileInfo) Encode(w *Writer) {
	w.PutUint32(fi.Attributes)
	w.PutInt64(fi.CreationTime)
	w.PutInt64(fi.LastAccessTime)
	w.PutInt64(fi.LastWriteTime)
	w.PutInt64(fi.ChangeTime)
	w.PutInt64(fi.FileSize)
}

// DecodeFileInfo reads a FileInfo in the same order Encode wrote it.
func DecodeFileInfo(r *Reader) (fi FileInfo, err error) {
	if fi.Attributes, err = r.Uint32(); err != nil {
		return
	}
	if fi.CreationTime, err = r.Int64(); err != nil {
		return
	}
	if fi.LastAccessTime, err = r.Int64(); err != nil {
		return
	}
	if fi.LastWriteTime, err = r.Int64(); err != nil {
		return
	}
	if fi.ChangeTime, err = r.Int64(); err != nil {
		return
	}
	fi.FileSize, err = r.Int64()
	return
}

// SetattrMask selects which fields of SetattrX are meaningful for a
// given setattr call.
type SetattrMask uint32

// SetattrMask bits.
const (
	SetattrMode SetattrMask = 1 << iota
	SetattrUID
	SetattrGID
	SetattrSize
	SetattrATime
	SetattrMTime
	SetattrCTime
)

// SetattrX mirrors the OSXFUSE/WinFsp-style extended setattr request.
type SetattrX struct {
	Mask  SetattrMask
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	ATime int64
	MTime int64
	CTime int64
}

// Encode appends sa to w in declared-field order.
func (sa SetattrX) Encode(w *Writer) {
	w.PutUint32(uint32(sa.Mask))
	w.PutUint32(sa.Mode)
	w.PutUint32(sa.UID)
	w.PutUint32(sa.GID)
	w.PutInt64(sa.Size)
	w.PutInt64(sa.ATime)
	w.PutInt64(sa.MTime)
	w.PutInt64(sa.CTime)
}

// DecodeSetattrX reads a SetattrX in the same order Encode wrote it.
func DecodeSetattrX(r *Reader) (sa SetattrX, err error) {
	var mask uint32
	if mask, err = r.Uint32(); err != nil {
		return
	}
	sa.Mask = SetattrMask(mask)
	if sa.Mode, err = r.Uint32(); err != nil {
		return
	}
	if sa.UID, err = r.Uint32(); err != nil {
		return
	}
	if sa.GID, err = r.Uint32(); err != nil {
		return
	}
	if sa.Size, err = r.Int64(); err != nil {
		return
	}
	if sa.ATime, err = r.Int64(); err != nil {
		return
	}
	if sa.MTime, err = r.Int64(); err != nil {
		return
	}
	sa.CTime, err = r.Int64()
	return
}
