package publisher

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Staging owns temporary extraction directories for uploaded asset archives.
type Staging struct {
	root string
}

// NewStaging ensures the staging root exists and is accessible.
func NewStaging(root string) (*Staging, error) {
	if root == "" {
		return nil, fmt.Errorf("staging root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Staging{root: root}, nil
}

// Create returns a fresh empty staging directory with a cleanup func, for
// callers that place files themselves.
func (s *Staging) Create() (string, func(), error) {
	dir, err := os.MkdirTemp(s.root, "publish-*")
	if err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// Stage writes one named file into a staging directory, rejecting names that
// would escape it.
func (s *Staging) Stage(dir, name string, r io.Reader, limit int64) (int64, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) {
		return 0, fmt.Errorf("%w: asset name %q unusable", ErrValidation, name)
	}
	target := filepath.Join(dir, clean)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return 0, fmt.Errorf("%w: asset name escapes staging dir: %s", ErrValidation, name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create staged dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create staged file: %w", err)
	}
	defer f.Close()

	var n int64
	if limit > 0 {
		n, err = io.Copy(f, io.LimitReader(r, limit+1))
		if err == nil && n > limit {
			return n, fmt.Errorf("%w: upload exceeds %d bytes", ErrValidation, limit)
		}
	} else {
		n, err = io.Copy(f, r)
	}
	if err != nil {
		return n, fmt.Errorf("write staged file: %w", err)
	}
	return n, nil
}

// Extract unpacks a gzipped tar archive into a fresh directory and returns
// the directory with a cleanup func. Extraction fails once the cumulative
// uncompressed size exceeds the limit.
func (s *Staging) Extract(r io.Reader, limit int64) (string, func(), error) {
	dir, cleanup, err := s.Create()
	if err != nil {
		return "", nil, err
	}
	if err := extractTarGz(r, dir, limit); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

func extractTarGz(r io.Reader, targetDir string, limit int64) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: archive is not gzip", ErrValidation)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var written int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: corrupt archive: %v", ErrValidation, err)
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if name == "." {
			continue
		}
		target := filepath.Join(targetDir, name)
		if !strings.HasPrefix(target, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("%w: archive entry escapes staging dir: %s", ErrValidation, header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create staged dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create staged parent dir: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("create staged file: %w", err)
			}
			var n int64
			if limit > 0 {
				n, err = io.Copy(out, io.LimitReader(tr, limit-written+1))
			} else {
				n, err = io.Copy(out, tr)
			}
			out.Close()
			if err != nil {
				return fmt.Errorf("write staged file: %w", err)
			}
			written += n
			if limit > 0 && written > limit {
				return fmt.Errorf("%w: archive exceeds %d bytes uncompressed", ErrValidation, limit)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: archive entry %s is a link", ErrValidation, header.Name)
		}
	}
	return nil
}
