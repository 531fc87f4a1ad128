package session

import (
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
)

// SFTPFS is the remote end of a transfer. Paths are POSIX.
type SFTPFS struct {
	client *sftp.Client
}

// NewSFTPFS wraps an existing client.
func NewSFTPFS(c *sftp.Client) *SFTPFS { return &SFTPFS{client: c} }

func (f *SFTPFS) Stat(name string) (fs.FileInfo, error) { return f.client.Stat(name) }

func (f *SFTPFS) ReadDir(name string) ([]fs.FileInfo, error) {
	infos, err := f.client.ReadDir(name)
	if err != nil {
		return nil, err
	}
	sortInfos(infos)
	return infos, nil
}

func (f *SFTPFS) MkdirAll(name string) error { return f.client.MkdirAll(name) }

func (f *SFTPFS) OpenRange(name string, offset int64) (io.ReadCloser, error) {
	file, err := f.client.Open(name)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

func (f *SFTPFS) OpenWriteAt(name string, offset int64) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	file, err := f.client.OpenFile(name, flags)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

func (f *SFTPFS) Join(elem ...string) string { return path.Join(elem...) }

func (f *SFTPFS) IsDirPath(name string) bool { return strings.HasSuffix(name, "/") }
