package session

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FS is the file-range surface the transfer engine copies through. LocalFS and
// SFTPFS implement it for the two ends of a transfer.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	// ReadDir lists name sorted by entry name, without following symlinks.
	ReadDir(name string) ([]fs.FileInfo, error)
	MkdirAll(name string) error
	// OpenRange streams name starting at offset.
	OpenRange(name string, offset int64) (io.ReadCloser, error)
	// OpenWriteAt writes name starting at offset, creating it if needed.
	// Offset 0 truncates.
	OpenWriteAt(name string, offset int64) (io.WriteCloser, error)
	Join(elem ...string) string
	// IsDirPath reports whether name is spelled as a directory.
	IsDirPath(name string) bool
}

// LocalFS is the operator machine's filesystem.
type LocalFS struct{}

func (LocalFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (LocalFS) ReadDir(name string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (LocalFS) MkdirAll(name string) error { return os.MkdirAll(name, 0o755) }

func (LocalFS) OpenRange(name string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (LocalFS) OpenWriteAt(name string, offset int64) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (LocalFS) Join(elem ...string) string { return filepath.Join(elem...) }

func (LocalFS) IsDirPath(name string) bool {
	return strings.HasSuffix(name, string(filepath.Separator)) || strings.HasSuffix(name, "/")
}

func sortInfos(infos []fs.FileInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
}
