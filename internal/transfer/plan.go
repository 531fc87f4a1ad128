// Package transfer copies files and directory trees between a local and a remote
// filesystem in resumable, fixed-size chunks.
package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/session"
)

type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

var localFS session.LocalFS

type pathKind int

const (
	kindUnknown pathKind = iota
	kindFile
	kindDir
)

func (k pathKind) String() string {
	switch k {
	case kindFile:
		return "file"
	case kindDir:
		return "directory"
	default:
		return "unknown"
	}
}

// Entry is one file to copy. Rel is slash-separated and relative to the plan root.
type Entry struct {
	Rel  string `json:"rel"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Size int64  `json:"size"`
}

// Plan is a validated set of copies. It never mixes file and directory semantics.
type Plan struct {
	Direction Direction `json:"direction"`
	Source    string    `json:"source"`
	Dest      string    `json:"dest"`
	Dir       bool      `json:"dir"`
	// Dirs are destination directories to create, parents first.
	Dirs    []string `json:"dirs,omitempty"`
	Entries []Entry  `json:"entries"`
	// Skipped lists source paths that are neither regular files nor directories.
	Skipped []string `json:"skipped,omitempty"`
}

func (p *Plan) TotalBytes() int64 {
	var n int64
	for _, e := range p.Entries {
		n += e.Size
	}
	return n
}

// Endpoints orders the local and remote paths as source and destination.
func Endpoints(dir Direction, local, remote string) (src, dst string) {
	if dir == Download {
		return remote, local
	}
	return local, remote
}

// Precheck rejects file/directory mismatches without touching the network. The
// local kind comes from the filesystem, the remote kind only from a trailing slash;
// anything that cannot be decided here is left to NewPlan.
func Precheck(local, remote string, dir Direction) error {
	localKind, err := localPathKind(local)
	if err != nil {
		return err
	}
	remoteKind := kindUnknown
	if strings.HasSuffix(remote, "/") {
		remoteKind = kindDir
	}
	if dir == Upload && localKind == kindUnknown {
		return fault.New(fault.PathMismatch, "precheck", fmt.Errorf("local source %s: %w", local, fs.ErrNotExist))
	}
	srcKind, dstKind := localKind, remoteKind
	if dir == Download {
		srcKind, dstKind = remoteKind, localKind
	}
	return checkKinds(srcKind, dstKind, local, remote)
}

func localPathKind(p string) (pathKind, error) {
	info, err := os.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return kindDir, nil
	case err == nil:
		if localFS.IsDirPath(p) {
			return kindUnknown, fault.New(fault.PathMismatch, "precheck", fmt.Errorf("%s is a file but is spelled as a directory", p))
		}
		return kindFile, nil
	case errors.Is(err, fs.ErrNotExist):
		if localFS.IsDirPath(p) {
			return kindDir, nil
		}
		return kindUnknown, nil
	default:
		return kindUnknown, err
	}
}

func checkKinds(src, dst pathKind, local, remote string) error {
	if src == kindUnknown || dst == kindUnknown || src == dst {
		return nil
	}
	return fault.New(fault.PathMismatch, "plan",
		fmt.Errorf("cannot copy %s to %s (%s, %s)", src, dst, local, remote))
}

// NewPlan resolves srcPath on src and dstPath on dst into a Plan. A destination that
// does not exist and is not spelled as a directory takes the kind of the source.
func NewPlan(dir Direction, src session.FS, srcPath string, dst session.FS, dstPath string) (*Plan, error) {
	info, err := src.Stat(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.New(fault.PathMismatch, "plan", fmt.Errorf("source %s: %w", srcPath, err))
		}
		return nil, fmt.Errorf("stat source %s: %w", srcPath, err)
	}
	srcKind := kindFile
	if info.IsDir() {
		srcKind = kindDir
	} else if src.IsDirPath(srcPath) {
		return nil, fault.New(fault.PathMismatch, "plan", fmt.Errorf("source %s is a file but is spelled as a directory", srcPath))
	}

	dstKind, err := kindOf(dst, dstPath)
	if err != nil {
		return nil, err
	}
	local, remote := srcPath, dstPath
	if dir == Download {
		local, remote = dstPath, srcPath
	}
	if err := checkKinds(srcKind, dstKind, local, remote); err != nil {
		return nil, err
	}

	plan := &Plan{Direction: dir, Source: srcPath, Dest: dstPath, Dir: srcKind == kindDir}
	if !plan.Dir {
		plan.Entries = []Entry{{Rel: baseName(srcPath), Src: srcPath, Dst: dstPath, Size: info.Size()}}
		return plan, nil
	}
	plan.Dirs = append(plan.Dirs, dstPath)
	if err := walk(src, dst, srcPath, dstPath, "", plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func kindOf(f session.FS, p string) (pathKind, error) {
	if f.IsDirPath(p) {
		return kindDir, nil
	}
	info, err := f.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return kindDir, nil
	case err == nil:
		return kindFile, nil
	case errors.Is(err, fs.ErrNotExist):
		return kindUnknown, nil
	default:
		return kindUnknown, fmt.Errorf("stat destination %s: %w", p, err)
	}
}

// walk enumerates the tree depth-first in sorted order.
func walk(src, dst session.FS, srcDir, dstDir, rel string, plan *Plan) error {
	infos, err := src.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", srcDir, err)
	}
	for _, info := range infos {
		name := info.Name()
		childRel := path.Join(rel, name)
		childSrc := src.Join(srcDir, name)
		childDst := dst.Join(dstDir, name)
		switch {
		case info.IsDir():
			plan.Dirs = append(plan.Dirs, childDst)
			if err := walk(src, dst, childSrc, childDst, childRel, plan); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			plan.Entries = append(plan.Entries, Entry{Rel: childRel, Src: childSrc, Dst: childDst, Size: info.Size()})
		default:
			plan.Skipped = append(plan.Skipped, childSrc)
		}
	}
	return nil
}

func baseName(p string) string {
	p = strings.TrimRight(filepath.ToSlash(p), "/")
	return path.Base(p)
}
