package injectipa

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Destination chooses where a repackaged archive is saved. Returning
// ErrDestinationCancelled skips delivery without failing the target.
type Destination interface {
	Choose(ctx context.Context, target, suggestedName string) (string, error)
}

// DestinationFunc adapts a function to the Destination interface.
type DestinationFunc func(ctx context.Context, target, suggestedName string) (string, error)

// Choose calls f.
func (f DestinationFunc) Choose(ctx context.Context, target, suggestedName string) (string, error) {
	return f(ctx, target, suggestedName)
}

// SuggestedName returns "<name>_<unix timestamp>.ipa" for target.
func SuggestedName(target string, now time.Time) string {
	base := filepath.Base(target)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_%d.ipa", base, now.Unix())
}

// DirDestination saves every archive under Dir with its suggested name.
type DirDestination struct {
	Dir string
}

func (d DirDestination) Choose(_ context.Context, _, suggestedName string) (string, error) {
	return filepath.Join(d.Dir, suggestedName), nil
}

// FixedDestination saves to a single path. An existing directory receives
// the suggested name.
type FixedDestination struct {
	Path string
}

func (d FixedDestination) Choose(_ context.Context, _, suggestedName string) (string, error) {
	return intoDir(d.Path, suggestedName), nil
}

func intoDir(path, suggestedName string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, suggestedName)
	}
	return path
}

// PromptDestination asks for a path on an interactive terminal. An empty
// answer accepts the suggested name in the current directory; "-" or end of
// input cancels.
type PromptDestination struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPromptDestination prompts on out and reads answers from in.
func NewPromptDestination(in io.Reader, out io.Writer) *PromptDestination {
	return &PromptDestination{in: bufio.NewReader(in), out: out}
}

func (d *PromptDestination) Choose(ctx context.Context, target, suggestedName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprintf(d.out, "Save modified %s as [%s] ('-' to cancel): ", filepath.Base(target), suggestedName)
	line, err := d.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", ErrDestinationCancelled
	}

	answer := strings.TrimSpace(line)
	switch answer {
	case "-":
		return "", ErrDestinationCancelled
	case "":
		return suggestedName, nil
	}
	return intoDir(answer, suggestedName), nil
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
