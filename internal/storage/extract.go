package storage

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/xattr"
)

// extractTar extracts a tar stream rooted at dest, preserving file modes
// and (where present) extended attributes captured in the
// PAXRecords under the "SCHILY.xattr." prefix — the convention OCI layer
// tars use for capabilities and selinux labels. Modification times are
// not restored. Device nodes, fifos and other special entries are skipped.
func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := sanitizeTarPath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("tar: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractRegularFile(tr, target, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("tar: symlink %s: %w", target, err)
			}
			continue
		case tar.TypeLink:
			linkTarget := filepath.Join(dest, hdr.Linkname)
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("tar: hardlink %s: %w", target, err)
			}
			continue
		default:
			// Device nodes, fifos etc. are not created inside an
			// unprivileged extraction; skip rather than fail the pull.
			continue
		}

		applyXattrs(target, hdr.PAXRecords)
	}
}

func extractRegularFile(tr *tar.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("tar: mkdir parent of %s: %w", target, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
	if err != nil {
		return fmt.Errorf("tar: create %s: %w", target, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, tr); err != nil {
		return fmt.Errorf("tar: write %s: %w", target, err)
	}
	return nil
}

// sanitizeTarPath rejects a path traversal attempt and returns the joined,
// cleaned destination path.
func sanitizeTarPath(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("tar: illegal path %q escapes extraction root", name)
	}
	return target, nil
}

// applyXattrs best-effort restores extended attributes recorded by the tar
// writer as PAX "SCHILY.xattr.*" records (the standard GNU/OCI encoding).
// Failures are non-fatal: most guest filesystems support only a subset of
// xattrs, and missing ones (e.g. capabilities on an fs without security.*
// support) shouldn't fail the whole pull.
func applyXattrs(target string, pax map[string]string) {
	const prefix = "SCHILY.xattr."
	for k, v := range pax {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		_ = xattr.LSet(target, name, []byte(v))
	}
}
