package adb

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncFS is a scripted v1 sync daemon backed by in-memory state.
type syncFS struct {
	mu sync.Mutex

	// path → v1 mode/size/mtime; a missing path answers all-zero, the
	// v1 way of saying "no such file".
	stats map[string][3]uint32
	lists map[string][]ListItem
	files map[string][]byte
	// chunks overrides the DATA chunking of one file.
	chunks map[string][][]byte

	sends []recordedSend
}

type recordedSend struct {
	path  string
	data  []byte
	mtime uint32
}

func (f *syncFS) recordedSends() []recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSend(nil), f.sends...)
}

func (f *syncFS) handler(t *testing.T, service string, c net.Conn) {
	if service != "sync:" {
		t.Errorf("unexpected service %q", service)
		return
	}
	writeOkay(c)

	readHdr := func() (uint32, uint32, bool) {
		var hdr [8]byte
		if _, err := io.ReadFull(c, hdr[:]); err != nil {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint32(hdr[0:]), binary.LittleEndian.Uint32(hdr[4:]), true
	}
	writeHdr := func(id, value uint32) {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], id)
		binary.LittleEndian.PutUint32(hdr[4:], value)
		c.Write(hdr[:])
	}

	for {
		id, n, ok := readHdr()
		if !ok {
			return
		}

		path := make([]byte, n)
		if id != idDone {
			if _, err := io.ReadFull(c, path); err != nil {
				return
			}
		}

		switch id {
		case idQuit:
			return

		case idLstatV1:
			st := f.stats[string(path)]
			var resp [16]byte
			binary.LittleEndian.PutUint32(resp[0:], idLstatV1)
			binary.LittleEndian.PutUint32(resp[4:], st[0])
			binary.LittleEndian.PutUint32(resp[8:], st[1])
			binary.LittleEndian.PutUint32(resp[12:], st[2])
			c.Write(resp[:])

		case idListV1:
			for _, item := range f.lists[string(path)] {
				var dent [20]byte
				binary.LittleEndian.PutUint32(dent[0:], idDentV1)
				binary.LittleEndian.PutUint32(dent[4:], item.Mode)
				binary.LittleEndian.PutUint32(dent[8:], item.Size)
				binary.LittleEndian.PutUint32(dent[12:], item.Mtime)
				binary.LittleEndian.PutUint32(dent[16:], uint32(len(item.Name)))
				c.Write(dent[:])
				c.Write([]byte(item.Name))
			}
			var done [20]byte
			binary.LittleEndian.PutUint32(done[0:], idDone)
			c.Write(done[:])

		case idRecv:
			chunks, ok := f.chunks[string(path)]
			if !ok {
				chunks = [][]byte{f.files[string(path)]}
			}
			for _, chunk := range chunks {
				writeHdr(idData, uint32(len(chunk)))
				c.Write(chunk)
			}
			writeHdr(idDone, 0)

		case idSend:
			name, _, _ := bytes.Cut(path, []byte(","))
			var data []byte
			var mtime uint32
			for {
				did, dn, ok := readHdr()
				if !ok {
					return
				}
				if did == idDone {
					mtime = dn
					break
				}
				chunk := make([]byte, dn)
				if _, err := io.ReadFull(c, chunk); err != nil {
					return
				}
				data = append(data, chunk...)
			}
			f.mu.Lock()
			f.sends = append(f.sends, recordedSend{path: string(name), data: data, mtime: mtime})
			f.mu.Unlock()
			writeHdr(idOkay, 0)

		default:
			t.Errorf("unexpected sync request id %#x", id)
			return
		}
	}
}

const (
	testModeDir  = modeDir | 0o755
	testModeFile = modeRegular | 0o644
	testModeLink = modeSymlink | 0o777
)

func TestSyncStatV1SymlinkToDir(t *testing.T) {
	fs := &syncFS{stats: map[string][3]uint32{
		"lnk":  {testModeLink, 11, 99},
		"lnk/": {testModeDir, 4096, 99},
	}}
	opt := newFakeServer(t, "", fs.handler)

	st, err := SyncStat("lnk", opt)
	require.NoError(t, err)

	assert.True(t, st.IsDir())
	assert.False(t, st.IsSymlink())
	assert.Zero(t, st.Size)
}

func TestSyncStatV1SymlinkToFile(t *testing.T) {
	fs := &syncFS{stats: map[string][3]uint32{
		"lnk": {testModeLink, 11, 99},
		// "lnk/" missing: the probe comes back zeroed
	}}
	opt := newFakeServer(t, "", fs.handler)

	st, err := SyncStat("lnk", opt)
	require.NoError(t, err)

	assert.True(t, st.IsRegular())
	assert.False(t, st.IsSymlink())
	assert.Zero(t, st.Size)
}

func TestSyncStatV2ErrorCode(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	s := &SyncSession{conn: &Conn{Conn: a}, features: parseFeatures(FeatureStatV2)}

	go func() {
		readService := make([]byte, 8+7)
		io.ReadFull(b, readService)

		var resp [8 + 64]byte
		binary.LittleEndian.PutUint32(resp[0:], idLstatV2)
		binary.LittleEndian.PutUint32(resp[4:], SyncErrNotExist)
		b.Write(resp[:])
	}()

	_, err := s.Lstat("missing")
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, SyncErrNotExist, serr.Code)
}

func TestSyncList(t *testing.T) {
	fs := &syncFS{lists: map[string][]ListItem{
		"/data": {
			{Name: ".", Mode: testModeDir},
			{Name: "..", Mode: testModeDir},
			{Name: "app", Mode: testModeDir, Mtime: 1},
			{Name: "local.prop", Mode: testModeFile, Size: 12, Mtime: 2},
		},
	}}
	opt := newFakeServer(t, "", fs.handler)

	items, err := SyncList("/data", opt)
	require.NoError(t, err)

	// dot entries are elided
	require.Len(t, items, 2)
	assert.Equal(t, "app", items[0].Name)
	assert.Equal(t, "local.prop", items[1].Name)
	assert.Equal(t, uint32(12), items[1].Size)
}

func TestPullFileChunks(t *testing.T) {
	// 64 KiB + 5 KiB arrive as two DATA chunks and nothing else.
	partA := bytes.Repeat([]byte{0xAA}, SyncDataMax)
	partB := bytes.Repeat([]byte{0xBB}, 5120)

	fs := &syncFS{
		stats:  map[string][3]uint32{"/sdcard/big.bin": {testModeFile, 70656, 0}},
		chunks: map[string][][]byte{"/sdcard/big.bin": {partA, partB}},
	}
	opt := newFakeServer(t, "", fs.handler)

	dst := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, Pull([]string{"/sdcard/big.bin"}, dst, opt))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, partA...), partB...), got)
}

func TestPullOversizedChunkRejected(t *testing.T) {
	fs := &syncFS{
		stats:  map[string][3]uint32{"/x": {testModeFile, 1, 0}},
		chunks: map[string][][]byte{"/x": {make([]byte, SyncDataMax+1)}},
	}
	opt := newFakeServer(t, "", fs.handler)

	dst := filepath.Join(t.TempDir(), "x")
	err := Pull([]string{"/x"}, dst, opt)

	var serr *SyncError
	require.ErrorAs(t, err, &serr)

	// The partial file is deleted.
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPullRecursiveTree(t *testing.T) {
	content := []byte("hello tree\n")
	fs := &syncFS{
		stats: map[string][3]uint32{"a": {testModeDir, 4096, 0}},
		lists: map[string][]ListItem{
			"a/":   {{Name: "b", Mode: testModeDir, Mtime: 1}},
			"a/b/": {{Name: "c.txt", Mode: testModeFile, Size: uint32(len(content)), Mtime: 2}},
		},
		files: map[string][]byte{"a/b/c.txt": content},
	}
	opt := newFakeServer(t, "", fs.handler)

	local := t.TempDir()
	require.NoError(t, Pull([]string{"a"}, local, opt))

	got, err := os.ReadFile(filepath.Join(local, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPullMultipleSourcesNeedDir(t *testing.T) {
	fs := &syncFS{}
	opt := newFakeServer(t, "", fs.handler)

	dst := filepath.Join(t.TempDir(), "nope")
	err := Pull([]string{"/a", "/b"}, dst, opt)

	var serr *SyncError
	require.ErrorAs(t, err, &serr)
}

func TestPushToExistingDir(t *testing.T) {
	fs := &syncFS{stats: map[string][3]uint32{"/data/local": {testModeDir, 4096, 0}}}
	opt := newFakeServer(t, "", fs.handler)

	src := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	require.NoError(t, Push([]string{src}, "/data/local", opt))

	sends := fs.recordedSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "/data/local/payload.txt", sends[0].path)
	assert.Equal(t, "data", string(sends[0].data))
}

func TestPushMultipleToMissingDirFails(t *testing.T) {
	fs := &syncFS{}
	opt := newFakeServer(t, "", fs.handler)

	dir := t.TempDir()
	f1 := filepath.Join(dir, "f1")
	f2 := filepath.Join(dir, "f2")
	require.NoError(t, os.WriteFile(f1, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(f2, []byte("2"), 0o644))

	err := Push([]string{f1, f2}, "/no/such/dir", opt)

	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Empty(t, fs.recordedSends(), "nothing may be sent before the destination check fails")
}

func TestPushToNewPath(t *testing.T) {
	fs := &syncFS{}
	opt := newFakeServer(t, "", fs.handler)

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	require.NoError(t, Push([]string{src}, "/data/newfile", opt))

	sends := fs.recordedSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "/data/newfile", sends[0].path)
}

func TestPushTrailingSlashNonDir(t *testing.T) {
	fs := &syncFS{stats: map[string][3]uint32{"/data/file/": {testModeFile, 1, 0}}}
	opt := newFakeServer(t, "", fs.handler)

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	err := Push([]string{src}, "/data/file/", opt)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
}

// writeCounter counts the Write calls crossing the wire.
type writeCounter struct {
	net.Conn
	n int
}

func (w *writeCounter) Write(p []byte) (int, error) {
	w.n++
	return w.Conn.Write(p)
}

func TestSendBufferSmallPayloadSingleWrite(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	counter := &writeCounter{Conn: a}
	s := &SyncSession{conn: &Conn{Conn: counter}, features: FeatureSet{}}

	payload := bytes.Repeat([]byte{0x42}, 200)

	frame := make(chan []byte, 1)
	go func() {
		want := 8 + len("dst/f,511") + 8 + len(payload) + 8
		buf := make([]byte, want)
		if _, err := io.ReadFull(b, buf); err != nil {
			frame <- nil
			return
		}
		// OKAY, len 0
		var okay [8]byte
		binary.LittleEndian.PutUint32(okay[0:], idOkay)
		b.Write(okay[:])
		frame <- buf
	}()

	require.NoError(t, s.SendBuffer("dst/f", payload))
	require.Equal(t, 1, counter.n, "small payload must go out in exactly one write")

	buf := <-frame
	require.NotNil(t, buf)

	pathAndMode := "dst/f,511"
	assert.Equal(t, idSend, binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(len(pathAndMode)), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, pathAndMode, string(buf[8:8+len(pathAndMode)]))

	dataOff := 8 + len(pathAndMode)
	assert.Equal(t, idData, binary.LittleEndian.Uint32(buf[dataOff:]))
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(buf[dataOff+4:]))
	assert.Equal(t, payload, buf[dataOff+8:dataOff+8+len(payload)])

	doneOff := dataOff + 8 + len(payload)
	assert.Equal(t, idDone, binary.LittleEndian.Uint32(buf[doneOff:]))
}

func TestSendLargeBufferChunks(t *testing.T) {
	fs := &syncFS{}
	opt := newFakeServer(t, "", fs.handler)

	payload := bytes.Repeat([]byte{7}, SyncDataMax+100)
	require.NoError(t, PushBuffer(payload, "/data/big", opt))

	sends := fs.recordedSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "/data/big", sends[0].path)
	assert.Equal(t, payload, sends[0].data)
}

func TestEscapeArg(t *testing.T) {
	assert.Equal(t, `'simple'`, escapeArg("simple"))
	assert.Equal(t, `'it'\''s'`, escapeArg("it's"))
	assert.Equal(t, `'a b'`, escapeArg("a b"))
}

func TestPosixPathHelpers(t *testing.T) {
	assert.Equal(t, "/", posixDirname("/foo"))
	assert.Equal(t, "/a/", posixDirname("/a/b"))
	assert.Equal(t, "/a/", posixDirname("/a/b/"))
	assert.Equal(t, "c.txt", posixBasename("/a/b/c.txt"))
	assert.Equal(t, "/a/b", posixJoin("/a", "b"))
	assert.Equal(t, "/a/b", posixJoin("/a/", "b"))
	assert.True(t, isRootDir("//"))
	assert.False(t, isRootDir("/a"))
}
