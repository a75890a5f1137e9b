// Package archive extracts source tar archives using content-based type
// detection. Incoming archives are frequently mislabeled (a plain tar shipped
// with a .tar.gz suffix is a known, expected input), so extraction never
// trusts the filename extension and falls back through the plausible formats
// before giving up.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Type is the sniffed on-disk format of an archive.
type Type string

const (
	TypeTar     Type = "tar"
	TypeTarGz   Type = "tar.gz"
	TypeTarXz   Type = "tar.xz"
	TypeUnknown Type = "unknown"
)

// Detect sniffs the archive format from file content.
func Detect(path string) (Type, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return TypeUnknown, fmt.Errorf("sniff %s: %w", filepath.Base(path), err)
	}
	switch {
	case mime.Is("application/gzip"):
		return TypeTarGz, nil
	case mime.Is("application/x-xz"):
		return TypeTarXz, nil
	case mime.Is("application/x-tar"):
		return TypeTar, nil
	}
	// mimetype misses tar files with unusual headers; check for the ustar
	// magic directly before declaring the format unknown.
	if hasTarMagic(path) {
		return TypeTar, nil
	}
	return TypeUnknown, nil
}

func hasTarMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, 512)
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return string(header[257:262]) == "ustar"
}

// Extract unpacks the archive at path into destDir. The sniffed format is
// tried first, then the remaining formats in order, because mislabeling is an
// expected input condition rather than an error.
func Extract(path, destDir string) error {
	detected, err := Detect(path)
	if err != nil {
		return err
	}

	order := []Type{TypeTar, TypeTarGz, TypeTarXz}
	attempts := make([]Type, 0, len(order))
	if detected != TypeUnknown {
		attempts = append(attempts, detected)
	}
	for _, t := range order {
		if t != detected {
			attempts = append(attempts, t)
		}
	}

	var lastErr error
	for _, t := range attempts {
		if err := extractAs(path, destDir, t); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no extraction scheme succeeded")
	}
	return fmt.Errorf("extract %s: %w", filepath.Base(path), lastErr)
}

func extractAs(path, destDir string, t Type) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch t {
	case TypeTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case TypeTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return err
		}
		r = xr
	}

	return untar(r, destDir)
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		// Archives built with `tar -C dir .` prefix every entry with ./ and
		// carry a bare "." directory entry; that entry is the destination
		// itself, not something to create.
		name := filepath.Clean(hdr.Name)
		if name == "." {
			continue
		}

		target, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and special files from untrusted archives are skipped.
		}
	}
}

// safeJoin rejects entries that would escape the extraction directory.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return target, nil
}
