package injectipa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// Patcher adds a load command for a dynamic library to an executable.
type Patcher interface {
	// Inject copies libraryPath next to executablePath and makes the
	// executable load it from @executable_path.
	Inject(ctx context.Context, libraryPath, executablePath string) error
}

// PatcherFunc adapts a function to the Patcher interface.
type PatcherFunc func(ctx context.Context, libraryPath, executablePath string) error

// Inject calls f.
func (f PatcherFunc) Inject(ctx context.Context, libraryPath, executablePath string) error {
	return f(ctx, libraryPath, executablePath)
}

// LoadPath is the install name recorded in the executable for libraryPath.
func LoadPath(libraryPath string) string {
	return "@executable_path/" + filepath.Base(libraryPath)
}

// OptoolPatcher edits load commands with the optool command line tool.
type OptoolPatcher struct {
	Tool   string // defaults to "optool"
	Logger *log.Logger
}

// Inject runs `optool install -p @executable_path/<lib> -t <executable>`.
// Executables that already load the library are left untouched.
func (p *OptoolPatcher) Inject(ctx context.Context, libraryPath, executablePath string) error {
	logger := orDiscard(p.Logger).With("executable", filepath.Base(executablePath))
	loadPath := LoadPath(libraryPath)

	data, err := placeLibrary(libraryPath, executablePath)
	if err != nil {
		return err
	}

	linked, err := isLinked(data, loadPath)
	if err != nil {
		logger.Debug("could not inspect executable", "err", err)
	}
	if linked {
		logger.Info("library already linked, load command not added", "library", loadPath)
		return nil
	}
	warnIfSigned(logger, data)

	return runTool(ctx, logger, ErrInjectionTool, "", toolOr(p.Tool, "optool"),
		"install", "-p", loadPath, "-t", executablePath)
}

// NativePatcher edits load commands in-process. Every architecture of a fat
// binary is patched.
type NativePatcher struct {
	Logger *log.Logger
}

// Inject appends an LC_LOAD_DYLIB command to the executable in place.
// Executables that already load the library are left untouched.
func (p *NativePatcher) Inject(ctx context.Context, libraryPath, executablePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := orDiscard(p.Logger).With("executable", filepath.Base(executablePath))
	loadPath := LoadPath(libraryPath)

	data, err := placeLibrary(libraryPath, executablePath)
	if err != nil {
		return err
	}

	patched, added, err := addLoadDylib(data, loadPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInjectionTool, filepath.Base(executablePath), err)
	}
	if added == 0 {
		logger.Info("library already linked, load command not added", "library", loadPath)
		return nil
	}
	warnIfSigned(logger, data)

	info, err := os.Stat(executablePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionTool, err)
	}
	if err := os.WriteFile(executablePath, patched, info.Mode().Perm()); err != nil {
		return fmt.Errorf("%w: failed to write executable: %v", ErrInjectionTool, err)
	}

	logger.Debug("added load command", "library", loadPath, "archs", added)
	return nil
}

// placeLibrary copies the library next to the executable, keeping its file
// name, and returns the executable's contents.
func placeLibrary(libraryPath, executablePath string) ([]byte, error) {
	data, err := os.ReadFile(executablePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read executable: %v", ErrInjectionTool, err)
	}

	info, err := os.Stat(libraryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInjectionTool, err)
	}
	dst := filepath.Join(filepath.Dir(executablePath), filepath.Base(libraryPath))
	if existing, err := os.Stat(dst); err == nil && os.SameFile(info, existing) {
		return data, nil
	}
	if err := copyFile(libraryPath, dst, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("%w: failed to copy library: %v", ErrInjectionTool, err)
	}
	return data, nil
}

func warnIfSigned(logger *log.Logger, data []byte) {
	if hasCodeSignature(data) {
		logger.Warn("executable is code signed; the signature is invalid after injection")
	}
}
