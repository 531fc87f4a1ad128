package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/fault"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

// countingFS records every open on top of the local filesystem and can inject
// failures into writes.
type countingFS struct {
	session.LocalFS

	mu          sync.Mutex
	reads       int
	writes      int
	openErr     error
	failWrites  int // number of writers that break after their first chunk
	writeFailer error
}

func (c *countingFS) OpenRange(name string, offset int64) (io.ReadCloser, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.LocalFS.OpenRange(name, offset)
}

func (c *countingFS) OpenWriteAt(name string, offset int64) (io.WriteCloser, error) {
	c.mu.Lock()
	c.writes++
	openErr := c.openErr
	fail := c.failWrites > 0
	if fail {
		c.failWrites--
	}
	c.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	w, err := c.LocalFS.OpenWriteAt(name, offset)
	if err != nil || !fail {
		return w, err
	}
	return &breakingWriter{w: w, err: c.writeFailer}, nil
}

type breakingWriter struct {
	w      io.WriteCloser
	chunks int
	err    error
}

func (b *breakingWriter) Write(p []byte) (int, error) {
	if b.chunks == 1 {
		return 0, b.err
	}
	b.chunks++
	return b.w.Write(p)
}

func (b *breakingWriter) Close() error { return b.w.Close() }

func randomFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

func TestPrecheck(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "app.tar.gz")
	randomFile(t, file, 10)

	tests := []struct {
		name   string
		local  string
		remote string
		dir    Direction
		kind   fault.Kind
	}{
		{"file to file", file, "/opt/app.tar.gz", Upload, fault.Unknown},
		{"file to remote dir", file, "/opt/", Upload, fault.PathMismatch},
		{"dir to remote dir", dir, "/opt/app/", Upload, fault.Unknown},
		{"dir to unknown", dir, "/opt/app", Upload, fault.Unknown},
		{"missing local source", filepath.Join(dir, "nope"), "/opt/x", Upload, fault.PathMismatch},
		{"remote dir into local file", file, "/var/log/", Download, fault.PathMismatch},
		{"remote file into new local", filepath.Join(dir, "new.log"), "/var/log/syslog", Download, fault.Unknown},
		{"remote dir into local dir", dir, "/var/log/", Download, fault.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Precheck(tt.local, tt.remote, tt.dir)
			if tt.kind == fault.Unknown {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err))
		})
	}
}

func TestNewPlanDirectoryOrder(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	randomFile(t, filepath.Join(src, "b.txt"), 3)
	randomFile(t, filepath.Join(src, "a.txt"), 1)
	randomFile(t, filepath.Join(src, "c", "d.txt"), 2)
	randomFile(t, filepath.Join(src, "c", "a", "z.txt"), 4)
	require.NoError(t, os.Symlink(filepath.Join(src, "a.txt"), filepath.Join(src, "link")))

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)

	assert.True(t, plan.Dir)
	var rels []string
	for _, e := range plan.Entries {
		rels = append(rels, e.Rel)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c/a/z.txt", "c/d.txt"}, rels)
	assert.Equal(t, []string{dst, filepath.Join(dst, "c"), filepath.Join(dst, "c", "a")}, plan.Dirs)
	assert.Equal(t, []string{filepath.Join(src, "link")}, plan.Skipped)
	assert.Equal(t, int64(10), plan.TotalBytes())
}

func TestNewPlanRejectsMixedKinds(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	randomFile(t, file, 5)
	dir := filepath.Join(root, "d")
	require.NoError(t, os.Mkdir(dir, 0o755))

	_, err := NewPlan(Upload, session.LocalFS{}, file, session.LocalFS{}, dir)
	assert.Equal(t, fault.PathMismatch, fault.KindOf(err))

	_, err = NewPlan(Upload, session.LocalFS{}, dir, session.LocalFS{}, file)
	assert.Equal(t, fault.PathMismatch, fault.KindOf(err))

	_, err = NewPlan(Upload, session.LocalFS{}, file, session.LocalFS{}, filepath.Join(root, "new")+"/")
	assert.Equal(t, fault.PathMismatch, fault.KindOf(err))

	plan, err := NewPlan(Upload, session.LocalFS{}, file, session.LocalFS{}, filepath.Join(root, "copy"))
	require.NoError(t, err)
	assert.False(t, plan.Dir)
	assert.Equal(t, []Entry{{Rel: "f", Src: file, Dst: filepath.Join(root, "copy"), Size: 5}}, plan.Entries)
}

func TestExecuteTenChunksTenEvents(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "big.bin")
	dst := filepath.Join(root, "big.copy")
	data := randomFile(t, src, 10*mib)

	rec := &events.Recorder{}
	engine := &Engine{Server: "web1", Sink: rec, ChunkSize: mib}
	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)

	res := engine.Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{})
	require.NoError(t, res.Err())

	progress := rec.ProgressEvents()
	require.Len(t, progress, 10)
	for i, p := range progress {
		assert.Equal(t, int64(i+1)*mib, p.BytesDone)
		assert.Equal(t, int64(10*mib), p.BytesTotal)
		assert.Equal(t, "web1", p.Server)
		assert.Equal(t, 1, p.Index)
		assert.Equal(t, 1, p.Total)
	}
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, int64(10*mib), res.Bytes())
}

func TestExecuteResumeContinuesAtDestinationSize(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.bin")
	dst := filepath.Join(root, "dst.bin")
	data := randomFile(t, src, 300*1024)
	const have = 100*1024 + 7
	require.NoError(t, os.WriteFile(dst, data[:have], 0o644))

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	res := (&Engine{ChunkSize: 64 * 1024}).Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{Resume: true})
	require.NoError(t, res.Err())

	require.Len(t, res.Entries, 1)
	assert.Equal(t, Copied, res.Entries[0].Status)
	assert.Equal(t, int64(have), res.Entries[0].Offset)
	assert.Equal(t, int64(len(data)-have), res.Entries[0].Bytes)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestExecuteExistingWithoutFlagsDoesNoIO(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	randomFile(t, src, 1024)
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	srcFS, dstFS := &countingFS{}, &countingFS{}
	rec := &events.Recorder{}
	plan, err := NewPlan(Upload, srcFS, src, dstFS, dst)
	require.NoError(t, err)
	res := (&Engine{Sink: rec}).Execute(context.Background(), plan, srcFS, dstFS, Options{})

	require.NoError(t, res.Err())
	require.Len(t, res.Entries, 1)
	er := res.Entries[0]
	assert.Equal(t, Skipped, er.Status)
	assert.ErrorIs(t, er.Err, fault.ErrAlreadyExists)
	assert.Equal(t, int64(0), er.Bytes)
	assert.Zero(t, srcFS.reads)
	assert.Zero(t, dstFS.writes)
	assert.Empty(t, rec.ProgressEvents())

	got, _ := os.ReadFile(dst)
	assert.Equal(t, "old", string(got))
}

func TestExecuteForceAndResumeDecisions(t *testing.T) {
	tests := []struct {
		name       string
		existing   int
		opts       Options
		wantStatus Status
		wantOffset int64
	}{
		{"force overwrites", 20, Options{Force: true}, Copied, 0},
		{"resume complete skips", 64, Options{Resume: true}, Skipped, 0},
		{"resume larger skips", 80, Options{Resume: true}, Skipped, 0},
		{"resume larger with force overwrites", 80, Options{Resume: true, Force: true}, Copied, 0},
		{"resume smaller with force overwrites", 16, Options{Resume: true, Force: true}, Copied, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			src := filepath.Join(root, "src")
			dst := filepath.Join(root, "dst")
			data := randomFile(t, src, 64)
			existing := make([]byte, tt.existing)
			copy(existing, data)
			require.NoError(t, os.WriteFile(dst, existing, 0o644))

			plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
			require.NoError(t, err)
			res := (&Engine{}).Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, tt.opts)

			require.NoError(t, res.Err())
			er := res.Entries[0]
			assert.Equal(t, tt.wantStatus, er.Status)
			assert.NoError(t, er.Err)
			if tt.wantStatus == Copied {
				assert.Equal(t, tt.wantOffset, er.Offset)
				got, _ := os.ReadFile(dst)
				assert.True(t, bytes.Equal(data, got))
			}
		})
	}
}

func TestExecuteForceWinsOverResumeOnForeignPartial(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	want := bytes.Repeat([]byte("B"), 100)
	require.NoError(t, os.WriteFile(src, want, 0o644))
	require.NoError(t, os.WriteFile(dst, bytes.Repeat([]byte("A"), 40), 0o644))

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	res := (&Engine{}).Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{Force: true, Resume: true})

	require.NoError(t, res.Err())
	assert.Equal(t, int64(0), res.Entries[0].Offset)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

// deadFS fails every call the way a dropped SFTP client does.
type deadFS struct {
	session.LocalFS
}

func (deadFS) Stat(string) (fs.FileInfo, error) { return nil, syscall.ECONNRESET }

func (deadFS) OpenWriteAt(string, int64) (io.WriteCloser, error) { return nil, syscall.ECONNRESET }

func TestExecuteReopensRemoteAfterConnectionLoss(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	data := randomFile(t, src, 4*1024)

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	reopens := 0
	engine := &Engine{ChunkSize: 1024, Reopen: func(context.Context) (session.FS, error) {
		reopens++
		return session.LocalFS{}, nil
	}}
	res := engine.Execute(context.Background(), plan, session.LocalFS{}, deadFS{}, Options{MaxRetry: 3, Base: time.Millisecond})

	require.NoError(t, res.Err())
	assert.Equal(t, 1, reopens)
	assert.Equal(t, Copied, res.Entries[0].Status)
	assert.Equal(t, 2, res.Entries[0].Attempts)
	got, _ := os.ReadFile(dst)
	assert.True(t, bytes.Equal(data, got))
}

func TestExecuteWithoutReopenKeepsFailingOnDeadRemote(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	randomFile(t, src, 10)

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, filepath.Join(root, "dst"))
	require.NoError(t, err)
	res := (&Engine{}).Execute(context.Background(), plan, session.LocalFS{}, deadFS{}, Options{MaxRetry: 2, Base: time.Millisecond})

	assert.Equal(t, Failed, res.Entries[0].Status)
	assert.Equal(t, 3, res.Entries[0].Attempts)
	assert.True(t, fault.IsTransient(res.Err()))
}

func TestExecuteAgainKeepsFinishedEntries(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	randomFile(t, filepath.Join(src, "a.txt"), 100)
	randomFile(t, filepath.Join(src, "b.txt"), 100)

	engine := &Engine{}
	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	first := engine.Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{})
	require.NoError(t, first.Err())
	assert.Equal(t, 2, first.Copied())

	srcFS := &countingFS{}
	plan, err = NewPlan(Upload, srcFS, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	again := engine.Execute(context.Background(), plan, srcFS, session.LocalFS{}, Options{})
	require.NoError(t, again.Err())
	assert.Equal(t, 2, again.Copied())
	assert.Zero(t, srcFS.reads)
}

func TestExecuteRetriesTransientWrite(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	data := randomFile(t, src, 4*1024)

	dstFS := &countingFS{failWrites: 1, writeFailer: syscall.ECONNRESET}
	plan, err := NewPlan(Upload, session.LocalFS{}, src, dstFS, dst)
	require.NoError(t, err)
	res := (&Engine{ChunkSize: 1024}).Execute(context.Background(), plan, session.LocalFS{}, dstFS,
		Options{MaxRetry: 2, Base: time.Millisecond})

	require.NoError(t, res.Err())
	er := res.Entries[0]
	assert.Equal(t, Copied, er.Status)
	assert.Equal(t, 2, er.Attempts)
	assert.Equal(t, int64(0), er.Offset, "a partial file written by this job restarts from zero")
	got, _ := os.ReadFile(dst)
	assert.True(t, bytes.Equal(data, got))
}

func TestExecuteExhaustsRetries(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	randomFile(t, src, 4*1024)

	dstFS := &countingFS{failWrites: 10, writeFailer: syscall.ECONNRESET}
	plan, err := NewPlan(Upload, session.LocalFS{}, src, dstFS, filepath.Join(root, "dst"))
	require.NoError(t, err)
	res := (&Engine{ChunkSize: 1024}).Execute(context.Background(), plan, session.LocalFS{}, dstFS,
		Options{MaxRetry: 1, Base: time.Millisecond})

	require.Error(t, res.Err())
	assert.Equal(t, Failed, res.Entries[0].Status)
	assert.Equal(t, 2, res.Entries[0].Attempts)
	assert.Equal(t, fault.Connection, fault.KindOf(res.Err()))
}

func TestExecutePermissionIsNotRetried(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	randomFile(t, src, 10)

	dstFS := &countingFS{openErr: fs.ErrPermission}
	plan, err := NewPlan(Upload, session.LocalFS{}, src, dstFS, filepath.Join(root, "dst"))
	require.NoError(t, err)
	res := (&Engine{}).Execute(context.Background(), plan, session.LocalFS{}, dstFS, Options{MaxRetry: 3, Base: time.Millisecond})

	assert.Equal(t, Failed, res.Entries[0].Status)
	assert.Equal(t, 1, res.Entries[0].Attempts)
	assert.True(t, errors.Is(res.Err(), fs.ErrPermission))
}

func TestExecuteSiblingsContinueAfterFailure(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	randomFile(t, filepath.Join(src, "a"), 10)
	randomFile(t, filepath.Join(src, "b"), 10)
	randomFile(t, filepath.Join(src, "c"), 10)
	require.NoError(t, os.MkdirAll(filepath.Join(dst, "b"), 0o755))

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	res := (&Engine{}).Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{Force: true})

	require.Error(t, res.Err())
	assert.Equal(t, fault.PathMismatch, fault.KindOf(res.Err()))
	assert.Equal(t, []Status{Copied, Failed, Copied}, []Status{res.Entries[0].Status, res.Entries[1].Status, res.Entries[2].Status})
	assert.Equal(t, 2, res.Copied())
	assert.Equal(t, 1, res.Failed())
}

func TestExecuteCancelStopsAtChunkBoundary(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	randomFile(t, filepath.Join(src, "a.bin"), 8*1024)
	randomFile(t, filepath.Join(src, "b.bin"), 8*1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := events.Funcs{OnProgress: func(p events.Progress) {
		if p.BytesDone == 1024 {
			cancel()
		}
	}}
	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, dst)
	require.NoError(t, err)
	res := (&Engine{Sink: sink, ChunkSize: 1024}).Execute(ctx, plan, session.LocalFS{}, session.LocalFS{}, Options{})

	require.Len(t, res.Entries, 2)
	assert.Equal(t, Cancelled, res.Entries[0].Status)
	assert.Equal(t, Cancelled, res.Entries[1].Status)
	assert.Equal(t, fault.Cancelled, fault.KindOf(res.Err()))

	info, err := os.Stat(filepath.Join(dst, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size())
	_, err = os.Stat(filepath.Join(dst, "b.bin"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestExecuteHideProgress(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	randomFile(t, src, 4096)
	rec := &events.Recorder{}

	plan, err := NewPlan(Upload, session.LocalFS{}, src, session.LocalFS{}, filepath.Join(root, "dst"))
	require.NoError(t, err)
	res := (&Engine{Sink: rec, ChunkSize: 1024}).Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{HideProgress: true})

	require.NoError(t, res.Err())
	assert.Empty(t, rec.ProgressEvents())
}

func TestDownloadDirectory(t *testing.T) {
	remote := t.TempDir()
	local := filepath.Join(t.TempDir(), "backup")
	randomFile(t, filepath.Join(remote, "etc", "nginx.conf"), 100)

	plan, err := NewPlan(Download, session.LocalFS{}, remote+"/", session.LocalFS{}, local)
	require.NoError(t, err)
	res := (&Engine{}).Execute(context.Background(), plan, session.LocalFS{}, session.LocalFS{}, Options{})
	require.NoError(t, res.Err())

	_, err = os.Stat(filepath.Join(local, "etc", "nginx.conf"))
	assert.NoError(t, err)
}

func TestEndpoints(t *testing.T) {
	src, dst := Endpoints(Upload, "l", "r")
	assert.Equal(t, []string{"l", "r"}, []string{src, dst})
	src, dst = Endpoints(Download, "l", "r")
	assert.Equal(t, []string{"r", "l"}, []string{src, dst})
}
