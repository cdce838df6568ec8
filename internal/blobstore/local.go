package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LocalStore keeps objects as files below a root directory.
type LocalStore struct {
	fs afero.Fs
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore stores objects below root on the OS filesystem.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("storage root cannot be empty")
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{fs: afero.NewBasePathFs(osFs, root)}, nil
}

// NewFsStore wraps an arbitrary afero filesystem, e.g. afero.NewMemMapFs in tests.
func NewFsStore(fsys afero.Fs) *LocalStore {
	return &LocalStore{fs: fsys}
}

func cleanRef(ref string) (string, error) {
	p := path.Clean("/" + strings.TrimSpace(ref))
	if p == "/" {
		return "", fmt.Errorf("invalid object reference %q", ref)
	}
	return p, nil
}

// Stat describes an object.
func (s *LocalStore) Stat(_ context.Context, ref string) (Info, error) {
	p, err := cleanRef(ref)
	if err != nil {
		return Info{}, err
	}
	fi, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return Info{}, fmt.Errorf("stat %s: %w", ref, err)
	}
	if fi.IsDir() {
		return Info{}, fmt.Errorf("%s is a directory", ref)
	}
	return Info{Ref: ref, Size: fi.Size(), Modified: fi.ModTime()}, nil
}

// Copy duplicates src to dst, replacing dst.
func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	srcPath, err := cleanRef(src)
	if err != nil {
		return err
	}
	dstPath, err := cleanRef(dst)
	if err != nil {
		return err
	}
	in, err := s.fs.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", src, ErrNotFound)
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := s.fs.MkdirAll(path.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dst, err)
	}
	tmp := dstPath + ".partial"
	out, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, readerWithContext{ctx: ctx, r: in}); err != nil {
		out.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := s.fs.Rename(tmp, dstPath); err != nil {
		return fmt.Errorf("publish %s: %w", dst, err)
	}
	return nil
}

// Delete removes an object.
func (s *LocalStore) Delete(_ context.Context, ref string) (DeleteResult, error) {
	p, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return AlreadyAbsent, nil
		}
		return "", fmt.Errorf("delete %s: %w", ref, err)
	}
	return Deleted, nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
