package fsys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"peertech.de/converge/pkg/system"
)

// fallbackTimeout bounds every elevated fallback command.
const fallbackTimeout = 2 * time.Minute

// OS is the host filesystem. Mutating operations that fail with a permission
// error are retried through Elevator when one is set, which covers targets
// outside the invoking user's ownership such as /etc.
type OS struct {
	Elevator system.Elevator
	Logger   zerolog.Logger
}

func NewOS(elevator system.Elevator, logger zerolog.Logger) *OS {
	return &OS{Elevator: elevator, Logger: logger}
}

func (o *OS) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (o *OS) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if !o.shouldElevate(err) {
		return data, err
	}
	o.Logger.Debug().Str("path", name).Msg("Reading with elevated privileges")
	res, eerr := o.elevated("cat", "--", name)
	if eerr != nil {
		return nil, errors.Join(err, eerr)
	}
	return []byte(res.Stdout), nil
}

// WriteFile replaces name with data by writing a temporary file in the same
// directory and renaming it over the target. A symlinked target is followed,
// so the link stays in place and the file it points to is replaced, keeping
// its owner.
func (o *OS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	name = resolveLinks(name)
	err := writeAtomic(name, data, perm)
	if !o.shouldElevate(err) {
		return err
	}
	o.Logger.Debug().Str("path", name).Msg("Writing with elevated privileges")
	if eerr := o.writeElevated(name, data, perm); eerr != nil {
		return errors.Join(err, eerr)
	}
	return nil
}

// CopyFile copies src to dst keeping the permission bits of src.
func (o *OS) CopyFile(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	dst = resolveLinks(dst)
	data, err := os.ReadFile(src)
	if err == nil {
		err = writeAtomic(dst, data, fi.Mode().Perm())
	}
	if !o.shouldElevate(err) {
		return err
	}
	o.Logger.Debug().Str("src", src).Str("dst", dst).Msg("Copying with elevated privileges")
	if _, eerr := o.elevated("cp", "-p", "--", src, dst); eerr != nil {
		return errors.Join(err, eerr)
	}
	return nil
}

func (o *OS) Rename(oldpath, newpath string) error {
	err := os.Rename(oldpath, newpath)
	if !o.shouldElevate(err) {
		return err
	}
	if _, eerr := o.elevated("mv", "-f", "--", oldpath, newpath); eerr != nil {
		return errors.Join(err, eerr)
	}
	return nil
}

func (o *OS) Remove(name string) error {
	err := os.Remove(name)
	if !o.shouldElevate(err) {
		return err
	}
	if _, eerr := o.elevated("rm", "-f", "--", name); eerr != nil {
		return errors.Join(err, eerr)
	}
	return nil
}

func (o *OS) MkdirAll(path string, perm fs.FileMode) error {
	err := os.MkdirAll(path, perm)
	if !o.shouldElevate(err) {
		return err
	}
	if _, eerr := o.elevated("mkdir", "-p", "-m", EncodeMode(perm), "--", path); eerr != nil {
		return errors.Join(err, eerr)
	}
	return nil
}

func (o *OS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

func (o *OS) shouldElevate(err error) bool {
	return err != nil && o.Elevator != nil && errors.Is(err, fs.ErrPermission)
}

func (o *OS) elevated(argv ...string) (*system.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()
	return o.Elevator.RunElevated(ctx, argv...)
}

// writeElevated stages data in a user owned temporary file, installs it next
// to the target as root and renames it into place, so the elevated path is as
// atomic as the unprivileged one.
func (o *OS) writeElevated(name string, data []byte, perm fs.FileMode) error {
	staged, err := os.CreateTemp("", "converge-*")
	if err != nil {
		return err
	}
	defer os.Remove(staged.Name())

	if _, err := staged.Write(data); err != nil {
		staged.Close()
		return err
	}
	if err := staged.Close(); err != nil {
		return err
	}

	sibling := filepath.Join(filepath.Dir(name), "."+filepath.Base(name)+".converge-new")
	argv := []string{"install", "-m", EncodeMode(perm)}
	if fi, err := os.Lstat(name); err == nil {
		if uid, gid, ok := owner(fi); ok {
			argv = append(argv, "-o", strconv.Itoa(uid), "-g", strconv.Itoa(gid))
		}
	}
	argv = append(argv, "-T", "--", staged.Name(), sibling)
	if _, err := o.elevated(argv...); err != nil {
		return err
	}
	if _, err := o.elevated("mv", "-f", "-T", "--", sibling, name); err != nil {
		_, _ = o.elevated("rm", "-f", "--", sibling)
		return err
	}
	return nil
}

func writeAtomic(name string, data []byte, perm fs.FileMode) (err error) {
	dir := filepath.Dir(name)
	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err = f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if fi, serr := os.Lstat(name); serr == nil {
		if uid, gid, ok := owner(fi); ok && (uid != os.Geteuid() || gid != os.Getegid()) {
			if err = f.Chown(uid, gid); err != nil {
				return fmt.Errorf("chown %s: %w", tmp, err)
			}
		}
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// maxLinks bounds symlink resolution.
const maxLinks = 40

// resolveLinks follows name through symlinks, including a dangling last
// link, and returns the path of the file to replace.
func resolveLinks(name string) string {
	for range maxLinks {
		fi, err := os.Lstat(name)
		if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
			return name
		}
		dest, err := os.Readlink(name)
		if err != nil {
			return name
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(name), dest)
		}
		name = dest
	}
	return name
}

func owner(fi fs.FileInfo) (uid, gid int, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}
