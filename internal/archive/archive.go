package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ListEntries opens a tar.gz archive and walks every member to EOF,
// returning the member count. Any decode failure at either layer means
// the archive is unusable. This is the integrity check applied to freshly
// copied artifacts: full decompression, no extraction.
func ListEntries(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	for {
		if _, err := tr.Next(); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		count++
	}
}

// Extract unpacks a tar.gz archive into destDir, preserving entry modes.
// Entry paths are validated to stay under destDir. Symlinks are restored
// as-is: base backups carry tablespace links whose targets legitimately
// point outside the data directory.
func Extract(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer gz.Close()

	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}

		target, err := securePath(cleanDest, hdr.Name)
		if err != nil {
			return err
		}
		perm := hdr.FileInfo().Mode().Perm()
		if perm == 0 {
			perm = 0o755
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, perm); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
			if err := writeFile(target, tr, perm); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		default:
			// pax headers and other special entries carry no payload we need
		}
	}
}

func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
