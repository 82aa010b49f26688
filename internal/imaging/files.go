// Package imaging materializes uploaded reference images: staged temp files
// are resized to a bounded width and placed under the public uploads
// directory. The rest of the system only ever sees the resulting URL path.
package imaging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// maxWidth bounds stored reference images; smaller images are kept as-is.
const maxWidth = 1920

// FileStore saves uploads into dir and serves them under urlPrefix.
type FileStore struct {
	dir       string
	urlPrefix string
	logger    *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir. Files become reachable at
// urlPrefix/<name> (urlPrefix is typically "/uploads").
func NewFileStore(dir, urlPrefix string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads directory: %w", err)
	}
	return &FileStore{
		dir:       dir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		logger:    slog.Default(),
	}, nil
}

// Dir returns the directory files are stored in.
func (f *FileStore) Dir() string {
	return f.dir
}

// StageUpload writes an incoming upload to a temp file under the store's tmp
// subdirectory and returns its path, ready for SaveUpload.
func (f *FileStore) StageUpload(r io.Reader, originalName string) (string, error) {
	tmpDir := filepath.Join(f.dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating tmp directory: %w", err)
	}
	tmp, err := os.CreateTemp(tmpDir, "upload-*"+filepath.Ext(originalName))
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// SaveUpload moves the staged file at tmpPath into the store, resizing it
// down to maxWidth when it decodes as an image. Files that do not decode
// (or fail to resize) are copied verbatim. The temp file is removed
// best-effort. Returns the public URL path of the stored file.
func (f *FileStore) SaveUpload(tmpPath, originalName string) (string, error) {
	ext := filepath.Ext(originalName)
	if ext == "" {
		ext = ".png"
	}
	name := uuid.New().String() + ext
	dest := filepath.Join(f.dir, name)

	if err := f.resizeInto(tmpPath, dest); err != nil {
		f.logger.Warn("resize failed, copying upload verbatim", "file", originalName, "error", err)
		if copyErr := copyFile(tmpPath, dest); copyErr != nil {
			return "", fmt.Errorf("copying upload: %w", copyErr)
		}
	}

	if err := os.Remove(tmpPath); err != nil {
		f.logger.Warn("could not remove temp upload", "path", tmpPath, "error", err)
	}

	return f.urlPrefix + "/" + name, nil
}

func (f *FileStore) resizeInto(src, dest string) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}
	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, dest); err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
