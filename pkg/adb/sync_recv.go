package adb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RecvBuffer pulls one remote file into memory.
func (s *SyncSession) RecvBuffer(rpath string) ([]byte, error) {
	if err := s.writeRequest(idRecv, rpath); err != nil {
		return nil, err
	}

	var out []byte
	err := s.recvChunks(func(chunk []byte) error {
		out = append(out, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Recv pulls one remote file into lpath, which is created or truncated.
// On any failure the partial file is deleted.
func (s *SyncSession) Recv(rpath, lpath string) error {
	if err := s.writeRequest(idRecv, rpath); err != nil {
		return err
	}

	f, err := os.OpenFile(lpath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	err = s.recvChunks(func(chunk []byte) error {
		_, werr := f.Write(chunk)
		return werr
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(lpath)
		return err
	}

	return nil
}

func (s *SyncSession) recvChunks(write func([]byte) error) error {
	buf := make([]byte, SyncDataMax)

	for {
		id, length, err := s.readStatus()
		if err != nil {
			return err
		}

		if id == idDone {
			return nil
		}
		if id != idData {
			return syncErrorf(-1, "bad recv id %#x", id)
		}
		if length > SyncDataMax {
			return syncErrorf(-1, "recv chunk too large (%d bytes)", length)
		}

		if _, err := io.ReadFull(s.conn, buf[:length]); err != nil {
			return err
		}
		if err := write(buf[:length]); err != nil {
			return err
		}
	}
}

// copyInfo is one unit of a recursive transfer. A directory entry stands
// for "create this directory", ordered ahead of its contents.
type copyInfo struct {
	lpath string
	rpath string
	mtime int64
	mode  uint32
	size  uint64
}

func newCopyInfo(lpath, rpath, name string, mode uint32) copyInfo {
	ci := copyInfo{
		lpath: filepath.Join(lpath, name),
		rpath: posixJoin(rpath, name),
		mode:  mode,
	}
	if mode&modeTypeMask == modeDir {
		ci.rpath += "/"
	}
	return ci
}

// remoteBuildList walks the remote tree depth-first, emitting a sentinel
// directory entry ahead of each directory's files so local creation is
// ordered.
func (s *SyncSession) remoteBuildList(rpath, lpath string) ([]copyInfo, error) {
	// The directory itself leads its contents so local creation is
	// ordered.
	fileList := []copyInfo{{lpath: lpath, rpath: rpath, mode: modeDir}}

	var dirList []copyInfo

	items, err := s.List(rpath)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		ci := newCopyInfo(lpath, rpath, item.Name, item.Mode)
		switch item.Mode & modeTypeMask {
		case modeDir:
			dirList = append(dirList, ci)
		case modeSymlink:
			// Resolve each symlink to decide file vs directory.
			st, err := s.Stat(ci.rpath)
			if err != nil {
				continue
			}
			if st.IsDir() {
				dirList = append(dirList, ci)
			} else {
				fileList = append(fileList, ci)
			}
		case modeRegular:
			ci.mtime = int64(item.Mtime)
			ci.size = uint64(item.Size)
			fileList = append(fileList, ci)
		}
	}

	for _, dir := range dirList {
		sub, err := s.remoteBuildList(dir.rpath, dir.lpath)
		if err != nil {
			return nil, err
		}
		fileList = append(fileList, sub...)
	}

	return fileList, nil
}

func (s *SyncSession) copyRemoteDirLocal(rpath, lpath string) error {
	if rpath[len(rpath)-1] != '/' {
		rpath += "/"
	}

	fileList, err := s.remoteBuildList(rpath, lpath)
	if err != nil {
		return err
	}

	for _, ci := range fileList {
		if ci.mode&modeTypeMask == modeDir {
			if err := os.MkdirAll(ci.lpath, 0o755); err != nil {
				return syncErrorf(-1, "failed to create directory %q: %v", ci.lpath, err)
			}
			continue
		}
		if err := s.Recv(ci.rpath, ci.lpath); err != nil {
			return err
		}
	}

	return nil
}

// Pull copies remote paths to a local destination.
//
// Multiple sources require an existing destination directory. A single
// source may name a non-existent destination whose parent exists.
func (s *SyncSession) Pull(srcs []string, dst string) error {
	if len(srcs) == 0 {
		return syncErrorf(-1, "no sources")
	}

	fi, err := os.Stat(dst)
	dstExists := err == nil
	dstIsDir := dstExists && fi.IsDir()

	if !dstExists {
		if len(srcs) != 1 {
			return syncErrorf(-1, "failed to access %q", dst)
		}
		if _, err := os.Stat(filepath.Dir(dst)); err != nil {
			return syncErrorf(-1, "cannot create file/directory %q", dst)
		}
	}

	if !dstIsDir && len(srcs) > 1 {
		return syncErrorf(-1, "target %q is not a directory", dst)
	}

	for _, src := range srcs {
		st, err := s.Stat(src)
		if err != nil {
			return fmt.Errorf("stat %s: %w", src, err)
		}

		switch {
		case st.IsDir():
			dstDir := dst
			// A pre-existing destination receives the source directory
			// as a child.
			if dstExists {
				if !dstIsDir {
					return syncErrorf(-1, "target %q is not a directory", dst)
				}
				dstDir = filepath.Join(dstDir, posixBasename(src))
			}
			if err := s.copyRemoteDirLocal(src, dstDir); err != nil {
				return err
			}
		case st.IsRegular():
			dstPath := dst
			if dstIsDir {
				dstPath = filepath.Join(dstPath, posixBasename(src))
			}
			if err := s.Recv(src, dstPath); err != nil {
				return err
			}
		}
	}

	return nil
}

// PullBuffer pulls one remote regular file into memory.
func (s *SyncSession) PullBuffer(src string) ([]byte, error) {
	st, err := s.Stat(src)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, syncErrorf(-1, "target %q is a directory", src)
	}

	return s.RecvBuffer(src)
}
