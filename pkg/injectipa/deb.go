package injectipa

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// dataSegmentPrefix names the member of a .deb holding the installed files.
const dataSegmentPrefix = "data.tar"

var errStopWalk = errors.New("stop walk")

// PackageExtractor pulls a dynamic library out of a .deb package using the
// ar and tar command line tools.
type PackageExtractor struct {
	Ar          string // defaults to "ar"
	Tar         string // defaults to "tar"
	ScratchRoot string // parent of the scratch directory, defaults to os.TempDir()
	Logger      *log.Logger
}

// Extract unpacks debPath, copies the first .dylib it contains into destDir
// and returns the library's file name. The scratch directory is removed on
// every path.
func (x *PackageExtractor) Extract(ctx context.Context, debPath, destDir string) (string, error) {
	logger := orDiscard(x.Logger).With("package", filepath.Base(debPath))

	debPath, err := filepath.Abs(debPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOuterExtractionFailed, err)
	}

	scratch, err := os.MkdirTemp(x.ScratchRoot, "deb-*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	// Step 1: unpack the ar container
	if err := runTool(ctx, logger, ErrOuterExtractionFailed, scratch, toolOr(x.Ar, "ar"), "x", debPath); err != nil {
		return "", err
	}

	// Step 2: unpack data.tar.*
	segment, err := findDataSegment(scratch)
	if err != nil {
		return "", err
	}
	logger.Debug("found data segment", "segment", filepath.Base(segment))
	if err := runTool(ctx, logger, ErrInnerExtractionFailed, scratch, toolOr(x.Tar, "tar"), "xf", segment); err != nil {
		return "", err
	}

	// Step 3: copy out the first dylib
	library, err := findFirstDylib(scratch)
	if err != nil {
		return "", err
	}
	name := filepath.Base(library)
	if err := copyFile(library, filepath.Join(destDir, name), 0644); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", name, err)
	}

	logger.Info("extracted library", "library", name)
	return name, nil
}

func findDataSegment(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataSegmentMissing, err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), dataSegmentPrefix) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no %s.* member in package", ErrDataSegmentMissing, dataSegmentPrefix)
}

// findFirstDylib returns the first .dylib below dir in lexical order. A
// symlinked library counts when it resolves to a regular file inside dir.
func findFirstDylib(dir string) (string, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLibraryNotFound, err)
	}

	var found string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), dylibExt) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 && !linksToFileWithin(root, path) {
			return nil
		}
		if d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0 {
			found = path
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", fmt.Errorf("%w: %v", ErrLibraryNotFound, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: no %s file in package", ErrLibraryNotFound, dylibExt)
	}
	return found, nil
}

func linksToFileWithin(root, path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil || !isWithin(root, resolved) {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && info.Mode().IsRegular()
}
