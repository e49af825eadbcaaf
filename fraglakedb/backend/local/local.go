// Package local implements the blob store on the local filesystem. Layout is
// <path>/<collection>/<id>.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fraglake/fraglake/fraglakedb/backend"
)

const lockFileName = ".fraglake.lock"

type readerWriter struct {
	cfg      *Config
	lockFile *os.File

	locksMtx sync.Mutex
	locks    map[string]*sync.Mutex
}

// New creates a filesystem-backed Reader and Writer rooted at cfg.Path. An
// advisory lock on the path guards against two processes compacting the same
// store; the kernel releases it if the process dies.
func New(cfg *Config) (backend.Reader, backend.Writer, error) {
	if cfg.Path == "" {
		return nil, nil, errors.New("please provide a path for the local backend")
	}
	if err := os.MkdirAll(cfg.Path, os.ModePerm); err != nil {
		return nil, nil, err
	}

	lockFile, err := os.OpenFile(filepath.Join(cfg.Path, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening storage lock file")
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, nil, errors.Wrapf(err, "storage path %s is in use by another process", cfg.Path)
	}

	rw := &readerWriter{
		cfg:      cfg,
		lockFile: lockFile,
		locks:    map[string]*sync.Mutex{},
	}
	return rw, rw, nil
}

func (rw *readerWriter) CreateCollection(_ context.Context, collection string) error {
	if err := backend.ValidateKeys(collection); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(rw.cfg.Path, collection), os.ModePerm)
}

// Write acquires the per-key lock and stages bytes in a temp file. The blob
// becomes visible atomically on Close via rename; a concurrent reader sees
// either the old content or the new, never a torn file.
func (rw *readerWriter) Write(_ context.Context, collection string, id string) (backend.BlobWriter, error) {
	if err := backend.ValidateKeys(collection, id); err != nil {
		return nil, err
	}

	dir := filepath.Join(rw.cfg.Path, collection)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}

	lock := rw.keyLock(filepath.Join(collection, id))
	lock.Lock()

	tmp, err := os.CreateTemp(dir, "."+id+"-*")
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	return &fileWriter{
		tmp:   tmp,
		final: filepath.Join(dir, id),
		lock:  lock,
	}, nil
}

func (rw *readerWriter) Delete(_ context.Context, collection string, ids []string) error {
	if err := backend.ValidateKeys(collection); err != nil {
		return err
	}
	for _, id := range ids {
		if err := backend.ValidateKeys(id); err != nil {
			return err
		}
		err := os.Remove(filepath.Join(rw.cfg.Path, collection, id))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (rw *readerWriter) DeleteCollection(_ context.Context, collection string) error {
	if err := backend.ValidateKeys(collection); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(rw.cfg.Path, collection))
}

func (rw *readerWriter) Read(_ context.Context, collection string, id string) (io.ReadCloser, error) {
	if err := backend.ValidateKeys(collection, id); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(rw.cfg.Path, collection, id))
	if os.IsNotExist(err) {
		return nil, backend.ErrDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (rw *readerWriter) Size(_ context.Context, collection string, id string) (int64, error) {
	if err := backend.ValidateKeys(collection, id); err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(rw.cfg.Path, collection, id))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (rw *readerWriter) Path(collection string, id string) string {
	return filepath.Join(rw.cfg.Path, collection, id)
}

func (rw *readerWriter) Shutdown() {
	if rw.lockFile != nil {
		rw.lockFile.Close()
		rw.lockFile = nil
	}
}

func (rw *readerWriter) keyLock(key string) *sync.Mutex {
	rw.locksMtx.Lock()
	defer rw.locksMtx.Unlock()

	lock, ok := rw.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		rw.locks[key] = lock
	}
	return lock
}

type fileWriter struct {
	tmp   *os.File
	final string
	lock  *sync.Mutex
	done  bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.lock.Unlock()

	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return err
	}
	return os.Rename(w.tmp.Name(), w.final)
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.lock.Unlock()

	w.tmp.Close()
	return os.Remove(w.tmp.Name())
}
