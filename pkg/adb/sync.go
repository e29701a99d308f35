package adb

import (
	"encoding/binary"
	"io"
)

// Sync sub-protocol message ids: four ASCII characters read as one
// little-endian word.
const (
	idLstatV1 uint32 = 'S' | 'T'<<8 | 'A'<<16 | 'T'<<24
	idStatV2  uint32 = 'S' | 'T'<<8 | 'A'<<16 | '2'<<24
	idLstatV2 uint32 = 'L' | 'S'<<8 | 'T'<<16 | '2'<<24

	idListV1 uint32 = 'L' | 'I'<<8 | 'S'<<16 | 'T'<<24
	idListV2 uint32 = 'L' | 'I'<<8 | 'S'<<16 | '2'<<24
	idDentV1 uint32 = 'D' | 'E'<<8 | 'N'<<16 | 'T'<<24
	idDentV2 uint32 = 'D' | 'N'<<8 | 'T'<<16 | '2'<<24

	idSend uint32 = 'S' | 'E'<<8 | 'N'<<16 | 'D'<<24
	idRecv uint32 = 'R' | 'E'<<8 | 'C'<<16 | 'V'<<24
	idDone uint32 = 'D' | 'O'<<8 | 'N'<<16 | 'E'<<24
	idData uint32 = 'D' | 'A'<<8 | 'T'<<16 | 'A'<<24
	idOkay uint32 = 'O' | 'K'<<8 | 'A'<<16 | 'Y'<<24
	idFail uint32 = 'F' | 'A'<<8 | 'I'<<16 | 'L'<<24
	idQuit uint32 = 'Q' | 'U'<<8 | 'I'<<16 | 'T'<<24
)

const (
	// SyncDataMax bounds one DATA chunk.
	SyncDataMax = 64 * 1024

	syncMaxPath = 1024
	syncMaxName = 255
)

// POSIX mode bits as the daemon transmits them, independent of GOOS.
const (
	modeTypeMask = 0o170000
	modeSymlink  = 0o120000
	modeRegular  = 0o100000
	modeDir      = 0o040000
	modeExecAny  = 0o111
)

// Stat is POSIX-like file metadata from the sync STAT/LSTAT services.
// v1 servers only fill Mode, Size, Mtime and Ctime.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

func (s Stat) IsDir() bool     { return s.Mode&modeTypeMask == modeDir }
func (s Stat) IsRegular() bool { return s.Mode&modeTypeMask == modeRegular }
func (s Stat) IsSymlink() bool { return s.Mode&modeTypeMask == modeSymlink }

// IsExecutable reports whether any of the user/group/other execute bits
// are set.
func (s Stat) IsExecutable() bool { return s.Mode&modeExecAny != 0 }

// ListItem is one directory entry from the sync LIST service.
type ListItem struct {
	Name  string
	Mode  uint32
	Size  uint32
	Mtime uint32
}

// SyncSession is one open `sync:` connection in binary framed mode.
type SyncSession struct {
	client   *Client
	conn     *Conn
	features FeatureSet
}

// Sync fetches the daemon features and opens a sync session on the
// client's transport.
func (c *Client) Sync() (*SyncSession, error) {
	features, err := c.GetFeatures()
	if err != nil {
		return nil, err
	}

	conn, err := connect("sync:", c.opt, nil)
	if err != nil {
		return nil, err
	}

	return &SyncSession{client: c, conn: conn, features: features}, nil
}

// Close sends QUIT and tears the connection down.
func (s *SyncSession) Close() error {
	s.writeRequest(idQuit, "")
	return s.conn.Close()
}

// writeRequest transmits [id][len][path] in a single write.
func (s *SyncSession) writeRequest(id uint32, path string) error {
	if len(path) > syncMaxPath {
		return syncErrorf(-1, "path too long (%d bytes)", len(path))
	}

	buf := make([]byte, 8+len(path))
	binary.LittleEndian.PutUint32(buf[0:], id)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(path)))
	copy(buf[8:], path)

	_, err := s.conn.Write(buf)
	return err
}

// readStatus reads one [id][value] pair.
func (s *SyncSession) readStatus() (id, value uint32, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(hdr[0:]), binary.LittleEndian.Uint32(hdr[4:]), nil
}

func (s *SyncSession) finishStat(v2 bool) (Stat, error) {
	var st Stat

	if v2 {
		id, status, err := s.readStatus()
		if err != nil {
			return st, err
		}
		if err := binary.Read(s.conn, binary.LittleEndian, &st); err != nil {
			return st, err
		}
		if id != idLstatV2 && id != idStatV2 {
			return st, syncErrorf(-1, "stat response has wrong message id %#x", id)
		}
		if status != 0 {
			return st, syncErrorf(int(status), "stat failed")
		}
		return st, nil
	}

	var v1 struct {
		ID    uint32
		Mode  uint32
		Size  uint32
		Mtime uint32
	}
	if err := binary.Read(s.conn, binary.LittleEndian, &v1); err != nil {
		return st, err
	}
	if v1.ID != idLstatV1 {
		return st, syncErrorf(-1, "stat response has wrong message id %#x", v1.ID)
	}

	st.Mode = v1.Mode
	st.Size = uint64(v1.Size)
	st.Mtime = int64(v1.Mtime)
	st.Ctime = int64(v1.Mtime)
	return st, nil
}

// Lstat stats path without following a final symlink.
func (s *SyncSession) Lstat(path string) (Stat, error) {
	v2 := s.features.Has(FeatureStatV2)
	id := idLstatV1
	if v2 {
		id = idLstatV2
	}
	if err := s.writeRequest(id, path); err != nil {
		return Stat{}, err
	}
	return s.finishStat(v2)
}

// Stat stats path following symlinks. v1 servers cannot do that
// themselves, so a trailing-slash LSTAT probe decides whether a symlink
// target is a directory or a file; the size is zeroed either way.
func (s *SyncSession) Stat(path string) (Stat, error) {
	v2 := s.features.Has(FeatureStatV2)
	id := idLstatV1
	if v2 {
		id = idStatV2
	}
	if err := s.writeRequest(id, path); err != nil {
		return Stat{}, err
	}

	st, err := s.finishStat(v2)
	if err != nil {
		return st, err
	}

	if !v2 && st.IsSymlink() {
		st.Size = 0
		st.Mode &^= modeTypeMask

		probe, err := s.Lstat(path + "/")
		if err == nil && probe.Mode != 0 {
			st.Mode |= modeDir
		} else {
			st.Mode |= modeRegular
		}
	}

	return st, nil
}

// List reads a directory. "." and ".." entries are elided.
func (s *SyncSession) List(path string) ([]ListItem, error) {
	v2 := s.features.Has(FeatureLsV2)
	id := idListV1
	if v2 {
		id = idListV2
	}
	if err := s.writeRequest(id, path); err != nil {
		return nil, err
	}

	var out []ListItem
	for {
		item, done, err := s.readDent(v2)
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
		if item.Name == "." || item.Name == ".." {
			continue
		}
		out = append(out, item)
	}
}

// readDent reads one directory entry (or the DONE terminator, which the
// server pads to entry size).
func (s *SyncSession) readDent(v2 bool) (ListItem, bool, error) {
	var (
		item    ListItem
		id      uint32
		namelen uint32
	)

	if v2 {
		var dent struct {
			ID    uint32
			Error uint32
			Dev   uint64
			Ino   uint64
			Mode  uint32
			Nlink uint32
			UID   uint32
			GID   uint32
			Size  uint64
			Atime int64
			Mtime int64
			Ctime int64
			Namelen uint32
		}
		if err := binary.Read(s.conn, binary.LittleEndian, &dent); err != nil {
			return item, false, err
		}
		id = dent.ID
		namelen = dent.Namelen
		item.Mode = dent.Mode
		item.Size = uint32(dent.Size)
		item.Mtime = uint32(dent.Mtime)
	} else {
		var dent struct {
			ID      uint32
			Mode    uint32
			Size    uint32
			Mtime   uint32
			Namelen uint32
		}
		if err := binary.Read(s.conn, binary.LittleEndian, &dent); err != nil {
			return item, false, err
		}
		id = dent.ID
		namelen = dent.Namelen
		item.Mode = dent.Mode
		item.Size = dent.Size
		item.Mtime = dent.Mtime
	}

	if id == idDone {
		return item, true, nil
	}

	expect := idDentV1
	if v2 {
		expect = idDentV2
	}
	if id != expect {
		return item, false, syncErrorf(-1, "unexpected dent id %#x", id)
	}

	if namelen > syncMaxName {
		return item, false, syncErrorf(-1, "dent name too long (%d bytes)", namelen)
	}

	name := make([]byte, namelen)
	if _, err := io.ReadFull(s.conn, name); err != nil {
		return item, false, err
	}
	item.Name = string(name)

	return item, false, nil
}
