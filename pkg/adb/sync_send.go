package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// dirname("//foo") returns "//", so `path == "/"` is not enough.
func isRootDir(path string) bool {
	for _, c := range path {
		if c != '/' {
			return false
		}
	}
	return true
}

func posixDirname(path string) string {
	path = strings.TrimSuffix(path, "/")
	if pos := strings.LastIndexByte(path, '/'); pos >= 0 {
		path = path[:pos+1]
	}
	if path == "" {
		return "/"
	}
	return path
}

func posixBasename(path string) string {
	if pos := strings.LastIndexByte(path, '/'); pos >= 0 {
		return path[pos+1:]
	}
	return path
}

func posixJoin(path, name string) string {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path + name
}

// escapeArg single-quotes s for a POSIX shell, closing and reopening the
// quote around every interior '.
func escapeArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func putStatus(buf []byte, id, value uint32) {
	binary.LittleEndian.PutUint32(buf[0:], id)
	binary.LittleEndian.PutUint32(buf[4:], value)
}

// sendPacked transmits SEND + DATA + DONE as one write. Only valid for
// payloads under SyncDataMax.
func (s *SyncSession) sendPacked(pathAndMode string, data []byte, mtime uint32) error {
	buf := make([]byte, 8+len(pathAndMode)+8+len(data)+8)
	p := buf

	putStatus(p, idSend, uint32(len(pathAndMode)))
	copy(p[8:], pathAndMode)
	p = p[8+len(pathAndMode):]

	putStatus(p, idData, uint32(len(data)))
	copy(p[8:], data)
	p = p[8+len(data):]

	putStatus(p, idDone, mtime)

	_, err := s.conn.Write(buf)
	return err
}

// finishSend consumes the daemon's verdict after DONE.
func (s *SyncSession) finishSend() error {
	id, value, err := s.readStatus()
	if err != nil {
		return err
	}

	switch {
	case id == idOkay:
		if value != 0 {
			return syncErrorf(-1, "received OKAY with msg_len %d != 0", value)
		}
		return nil
	case id != idFail:
		return syncErrorf(-1, "unexpected response from daemon: id %#x", id)
	case value > SyncDataMax:
		return syncErrorf(-1, "too-long message length from daemon: %d", value)
	}

	msg := make([]byte, value)
	if _, err := io.ReadFull(s.conn, msg); err != nil {
		return err
	}

	return syncErrorf(-1, "%s", msg)
}

// SendBuffer pushes an in-memory payload to rpath with mode 0777.
func (s *SyncSession) SendBuffer(rpath string, data []byte) error {
	pathAndMode := fmt.Sprintf("%s,%d", rpath, 0o777)
	if len(pathAndMode) > syncMaxPath {
		return syncErrorf(-1, "send path too long: %q", rpath)
	}

	if len(data) < SyncDataMax {
		if err := s.sendPacked(pathAndMode, data, 0); err != nil {
			return err
		}
		return s.finishSend()
	}

	if err := s.writeRequest(idSend, pathAndMode); err != nil {
		return err
	}
	if err := s.sendChunks(data); err != nil {
		return err
	}
	return s.finishSend()
}

func (s *SyncSession) sendChunks(data []byte) error {
	buf := make([]byte, 8+SyncDataMax)

	for len(data) > 0 {
		n := min(len(data), SyncDataMax)
		putStatus(buf, idData, uint32(n))
		copy(buf[8:], data[:n])
		if _, err := s.conn.Write(buf[:8+n]); err != nil {
			return err
		}
		data = data[n:]
	}

	var done [8]byte
	putStatus(done[:], idDone, 0)
	_, err := s.conn.Write(done[:])
	return err
}

// Send pushes one local regular file to rpath.
func (s *SyncSession) Send(rpath, lpath string, mode uint32, mtime int64) error {
	pathAndMode := fmt.Sprintf("%s,%d", rpath, mode)
	if len(pathAndMode) > syncMaxPath {
		return syncErrorf(-1, "send path too long: %q", rpath)
	}

	f, err := os.Open(lpath)
	if err != nil {
		return err
	}
	defer f.Close()

	chunk := make([]byte, SyncDataMax)
	n, err := io.ReadFull(f, chunk)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}

	if n < SyncDataMax {
		// Whole payload fits one chunk: pack the entire exchange into a
		// single write.
		if err := s.sendPacked(pathAndMode, chunk[:n], uint32(mtime)); err != nil {
			return err
		}
		return s.finishSend()
	}

	if err := s.writeRequest(idSend, pathAndMode); err != nil {
		return err
	}

	buf := make([]byte, 8+SyncDataMax)
	for n > 0 {
		putStatus(buf, idData, uint32(n))
		copy(buf[8:], chunk[:n])
		if _, err := s.conn.Write(buf[:8+n]); err != nil {
			return err
		}

		n, err = io.ReadFull(f, chunk)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
	}

	var done [8]byte
	putStatus(done[:], idDone, uint32(mtime))
	if _, err := s.conn.Write(done[:]); err != nil {
		return err
	}

	return s.finishSend()
}

// localBuildList walks the local tree collecting regular files and the
// remote directories that must exist before they are sent.
func localBuildList(fileList *[]copyInfo, dirList *[]string, lpath, rpath string) error {
	entries, err := os.ReadDir(lpath)
	if err != nil {
		return err
	}

	var dirs []copyInfo
	for _, entry := range entries {
		fi, err := os.Lstat(filepath.Join(lpath, entry.Name()))
		if err != nil {
			continue
		}

		ci := newCopyInfo(lpath, rpath, entry.Name(), fileModeToPosix(fi.Mode()))
		switch {
		case fi.IsDir():
			dirs = append(dirs, ci)
		case fi.Mode().IsRegular():
			ci.mtime = fi.ModTime().Unix()
			ci.size = uint64(fi.Size())
			*fileList = append(*fileList, ci)
		}
	}

	for _, dir := range dirs {
		*dirList = append(*dirList, dir.rpath)
		if err := localBuildList(fileList, dirList, dir.lpath, dir.rpath); err != nil {
			return err
		}
	}

	return nil
}

func fileModeToPosix(m fs.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= modeDir
	case m&fs.ModeSymlink != 0:
		mode |= modeSymlink
	case m.IsRegular():
		mode |= modeRegular
	}
	return mode
}

// copyLocalDirRemote pushes one local directory tree under rpath.
//
// Devices lacking fixed_push_mkdir fail to create directories as a push
// side effect; when the daemon has shell_v2 the parents are bulk-created
// through `mkdir` first, splitting the argument list at ~32 KiB and
// tolerating already-exists failures.
func (s *SyncSession) copyLocalDirRemote(lpath, rpath string) error {
	if !strings.HasSuffix(rpath, "/") {
		rpath += "/"
	}

	var (
		fileList []copyInfo
		dirList  []string
	)

	var ancestors []string
	for path := rpath; !isRootDir(path); path = posixDirname(path) {
		ancestors = append(ancestors, path)
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		dirList = append(dirList, ancestors[i])
	}

	if err := localBuildList(&fileList, &dirList, lpath, rpath); err != nil {
		return err
	}

	if !s.features.Has(FeatureFixedPushMkdir) && s.features.Has(FeatureShellV2) {
		cmd := "mkdir"
		for _, dir := range dirList {
			escaped := escapeArg(dir)
			if len(escaped) > 16384 {
				return syncErrorf(-1, "path too long: %s", escaped)
			}

			// Cap each mkdir command line at 32 KiB, well below MaxPayload.
			if len(cmd)+len(escaped) > 32768 {
				s.client.shell(cmd, true)
				cmd = "mkdir"
			}
			cmd += " " + escaped
		}
		if cmd != "mkdir" {
			// Failure is fine, the directories may already exist.
			s.client.shell(cmd, true)
		}
	}

	for _, ci := range fileList {
		if err := s.Send(ci.rpath, ci.lpath, ci.mode, ci.mtime); err != nil {
			return err
		}
	}

	return nil
}

// Push copies local paths to a remote destination, with the same
// destination rules as Pull, mirrored.
func (s *SyncSession) Push(srcs []string, dst string) error {
	if len(srcs) == 0 {
		return syncErrorf(-1, "no sources")
	}

	var dstExists, dstIsDir bool
	if st, err := s.Stat(dst); err == nil {
		dstExists = st.Mode != 0
		dstIsDir = st.IsDir()
	}

	if !dstIsDir {
		if len(srcs) > 1 {
			return syncErrorf(-1, "target %q is not a directory", dst)
		}
		// A trailing slash is only acceptable while the path does not
		// exist yet.
		if strings.HasSuffix(dst, "/") && dstExists {
			return syncErrorf(-1, "failed to access %q: not a directory", dst)
		}
	}

	for _, src := range srcs {
		fi, err := os.Lstat(src)
		if err != nil {
			continue
		}

		switch {
		case fi.IsDir():
			dstDir := dst
			if dstExists {
				if !dstIsDir {
					return syncErrorf(-1, "target %q is not a directory", dst)
				}
				dstDir = posixJoin(dstDir, filepath.Base(src))
			}
			if err := s.copyLocalDirRemote(src, dstDir); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			dstPath := dst
			if dstIsDir {
				dstPath = posixJoin(dstPath, filepath.Base(src))
			}
			if err := s.Send(dstPath, src, fileModeToPosix(fi.Mode()), fi.ModTime().Unix()); err != nil {
				return err
			}
		}
	}

	return nil
}

// PushBuffer pushes an in-memory payload to one remote file path.
func (s *SyncSession) PushBuffer(data []byte, dst string) error {
	if st, err := s.Stat(dst); err == nil && st.IsDir() {
		return syncErrorf(-1, "target %q is a directory", dst)
	}

	return s.SendBuffer(dst, data)
}
