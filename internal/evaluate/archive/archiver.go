package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"protoeval/internal/common/storage"
	appErr "protoeval/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	bundleName        = "bundle.tar.zst"
	bundleContentType = "application/zstd"
)

// Archiver uploads a finished job directory as one compressed bundle.
type Archiver struct {
	store  storage.BundleStore
	prefix string
}

// NewArchiver creates an archiver writing bundles under prefix.
func NewArchiver(store storage.BundleStore, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, appErr.New(appErr.StorageError).WithMessage("bundle store is not initialized")
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}, nil
}

// ObjectKey returns where the bundle of a job is stored.
func (a *Archiver) ObjectKey(jobID string) string {
	return path.Join(a.prefix, jobID, bundleName)
}

// Archive bundles jobDir and uploads it, returning the object key. The
// upload is confirmed by comparing the stored size with the bundle.
func (a *Archiver) Archive(ctx context.Context, jobID, jobDir string) (string, error) {
	var buf bytes.Buffer
	if err := WriteBundle(jobDir, &buf); err != nil {
		return "", err
	}
	key := a.ObjectKey(jobID)
	size := int64(buf.Len())
	meta := storage.ObjectMeta{
		ContentType: bundleContentType,
		Labels:      map[string]string{"job-id": jobID},
	}
	if err := a.store.Put(ctx, key, &buf, size, meta); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload job bundle failed")
	}
	stat, err := a.store.Stat(ctx, key)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "verify job bundle failed")
	}
	if stat.SizeBytes != size {
		return "", appErr.Newf(appErr.StorageError, "job bundle %s stored %d of %d bytes", key, stat.SizeBytes, size)
	}
	return key, nil
}

// WriteBundle writes every visible regular file under dir as a zstd
// compressed tar stream. Hidden files (claims, temp files) are skipped.
func WriteBundle(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return addFile(tw, p, filepath.ToSlash(rel))
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(walkErr, appErr.StorageError, "build job bundle failed")
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.StorageError, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "close zstd writer failed")
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
