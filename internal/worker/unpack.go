package worker

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// DefaultWorkingSet is how many unpacked scenes are retained.
const DefaultWorkingSet = 3

// Unpacker extracts scene archives into per-scene directories and keeps at
// most a fixed number of them, dropping the least recently used.
type Unpacker struct {
	log  *zap.Logger
	root string
	keep int

	mu    sync.Mutex
	order []string // least recently used first
}

// NewUnpacker returns an unpacker extracting below root.
func NewUnpacker(log *zap.Logger, root string, keep int) *Unpacker {
	if keep < DefaultWorkingSet {
		keep = DefaultWorkingSet
	}
	return &Unpacker{log: log, root: root, keep: keep}
}

// Unpack extracts archive, plain or gzip-compressed tar, into
// root/productID and returns that directory. A directory left by an
// earlier run is reused.
func (u *Unpacker) Unpack(ctx context.Context, productID, archive string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	u.mu.Lock()
	defer u.mu.Unlock()

	dir := filepath.Join(u.root, productID)
	if _, err := os.Stat(dir); err == nil {
		u.touch(productID)
		return dir, nil
	}

	tmp := dir + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return "", Error.Wrap(err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", Error.Wrap(err)
	}
	n, err := extract(archive, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return "", Error.New("unpack %s: %w", productID, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return "", Error.Wrap(err)
	}
	u.log.Debug("archive unpacked", zap.String("scene", productID), zap.Int("files", n))
	mon.Counter("archives_unpacked").Inc(1)

	u.touch(productID)
	u.evict()
	return dir, nil
}

// Retained returns the product ids currently unpacked, least recent first.
func (u *Unpacker) Retained() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.order...)
}

// Close removes every retained directory.
func (u *Unpacker) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var errs []error
	for _, id := range u.order {
		errs = append(errs, os.RemoveAll(filepath.Join(u.root, id)))
	}
	u.order = nil
	return errors.Join(errs...)
}

func (u *Unpacker) touch(productID string) {
	for i, id := range u.order {
		if id == productID {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
	u.order = append(u.order, productID)
}

func (u *Unpacker) evict() {
	for len(u.order) > u.keep {
		id := u.order[0]
		u.order = u.order[1:]
		if err := os.RemoveAll(filepath.Join(u.root, id)); err != nil {
			u.log.Warn("remove unpacked scene", zap.String("scene", id), zap.Error(err))
			continue
		}
		u.log.Debug("unpacked scene evicted", zap.String("scene", id))
	}
}

// extract writes the regular files of a tar archive into dir, flattened to
// their base names.
func extract(archive, dir string) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	var r io.Reader = br
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	n := 0
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if name == "." || name == ".." || strings.HasPrefix(name, ".") {
			continue
		}
		if err := writeFile(filepath.Join(dir, name), tr); err != nil {
			return n, fmt.Errorf("%s: %w", hdr.Name, err)
		}
		n++
	}
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
