package injectipa

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// Codec expands and creates application archives.
type Codec interface {
	// Expand decompresses archivePath into the existing directory destDir.
	Expand(ctx context.Context, archivePath, destDir string) error
	// Compress stores the contents of srcDir, relative to srcDir, into archivePath.
	Compress(ctx context.Context, srcDir, archivePath string) error
}

// ExternalCodec drives the unzip and zip command line tools.
type ExternalCodec struct {
	Unzip  string // defaults to "unzip"
	Zip    string // defaults to "zip"
	Logger *log.Logger
}

// Expand runs `unzip -q <archive> -d <dest>`.
func (c *ExternalCodec) Expand(ctx context.Context, archivePath, destDir string) error {
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveRead, err)
	}
	return runTool(ctx, orDiscard(c.Logger), ErrArchiveRead, "", toolOr(c.Unzip, "unzip"),
		"-q", archivePath, "-d", destDir)
}

// Compress runs `zip -r <archive> .` from inside srcDir so entries are stored
// relative to it.
func (c *ExternalCodec) Compress(ctx context.Context, srcDir, archivePath string) error {
	out, err := filepath.Abs(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveWrite, err)
	}
	// zip appends to an existing archive
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to remove existing archive: %v", ErrArchiveWrite, err)
	}
	return runTool(ctx, orDiscard(c.Logger), ErrArchiveWrite, srcDir, toolOr(c.Zip, "zip"),
		"-r", out, ".")
}

// NativeCodec reads and writes archives with archive/zip.
type NativeCodec struct{}

// Expand extracts every entry of archivePath below destDir.
func (NativeCodec) Expand(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %v", ErrArchiveRead, archivePath, err)
	}
	defer r.Close()

	root, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveRead, err)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractZipFile(f, destDir, root); err != nil {
			return fmt.Errorf("%w: failed to extract %s: %v", ErrArchiveRead, f.Name, err)
		}
	}
	return nil
}

// extractZipFile writes f below destDir. root is destDir with symlinks
// resolved; nothing is created or written outside it.
func extractZipFile(f *zip.File, destDir, root string) error {
	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !isWithin(filepath.Clean(destDir), destPath) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	mode := f.Mode()
	if mode.IsDir() {
		if err := checkResolved(root, destPath); err != nil {
			return err
		}
		return os.MkdirAll(destPath, 0755)
	}

	parent := filepath.Dir(destPath)
	if err := checkResolved(root, parent); err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}
	if err := checkResolved(root, parent); err != nil {
		return err
	}
	if info, err := os.Lstat(destPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to write through symlink: %s", f.Name)
	}

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if mode&os.ModeSymlink != 0 {
		target, err := io.ReadAll(srcFile)
		if err != nil {
			return err
		}
		link := string(target)
		if filepath.IsAbs(link) || !isWithin(filepath.Clean(destDir), filepath.Join(parent, link)) {
			return fmt.Errorf("symlink %s points outside the archive: %s", f.Name, link)
		}
		return os.Symlink(link, destPath)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// isWithin reports whether path is root or lies below it, comparing cleaned
// paths lexically.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// checkResolved resolves the deepest existing ancestor of path and fails if
// it lies outside root.
func checkResolved(root, path string) error {
	for p := path; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			if !isWithin(root, resolved) {
				return fmt.Errorf("path escapes destination: %s", path)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		next := filepath.Dir(p)
		if next == p {
			return err
		}
		p = next
	}
}

// Compress writes srcDir into a new archive at archivePath.
func (NativeCodec) Compress(ctx context.Context, srcDir, archivePath string) error {
	if err := writeZip(ctx, srcDir, archivePath); err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("%w: %v", ErrArchiveWrite, err)
	}
	return nil
}

func writeZip(ctx context.Context, srcDir, archivePath string) error {
	outFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	w := zip.NewWriter(outFile)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		zipPath := filepath.ToSlash(relPath)

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = zipPath

		switch {
		case d.IsDir():
			header.Name += "/"
			header.Method = zip.Store
			_, err := w.CreateHeader(header)
			return err
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			header.Method = zip.Store
			writer, err := w.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = io.WriteString(writer, target)
			return err
		}

		header.Method = zip.Deflate
		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

// ExpandFresh expands archivePath into a newly created, uniquely named
// directory under parent and returns its path. The directory is removed
// again if expansion fails.
func ExpandFresh(ctx context.Context, codec Codec, archivePath, parent string) (string, error) {
	dir, err := os.MkdirTemp(parent, "expand-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create staging directory: %v", ErrArchiveRead, err)
	}
	if err := codec.Expand(ctx, archivePath, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// copyFile copies a single file from src to dst with the given mode using streaming I/O
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}

func toolOr(tool, fallback string) string {
	if tool == "" {
		return fallback
	}
	return tool
}
