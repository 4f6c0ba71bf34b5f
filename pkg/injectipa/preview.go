package injectipa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Preview is the metadata shown for an application archive before injection.
type Preview struct {
	Source     string          `yaml:"source"`
	Name       string          `yaml:"name"`
	BundleID   string          `yaml:"bundle_id"`
	Version    string          `yaml:"version"`
	MinimumOS  string          `yaml:"minimum_os,omitempty"`
	Executable string          `yaml:"executable,omitempty"`
	Libraries  []string        `yaml:"libraries,omitempty"`
	IconName   string          `yaml:"icon,omitempty"`
	Icon       []byte          `yaml:"-"`
	Profile    *ProfileSummary `yaml:"profile,omitempty"`
}

// InspectArchive expands ipaPath into a staging directory under stagingRoot
// and reads its bundle metadata. The staging directory is removed before
// returning. Optional parts that cannot be read (icon, profile) are left
// empty.
func InspectArchive(ctx context.Context, codec Codec, ipaPath, stagingRoot string) (*Preview, error) {
	staging, err := os.MkdirTemp(stagingRoot, "injectipa-preview-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	tree, err := ExpandFresh(ctx, codec, ipaPath, staging)
	if err != nil {
		return nil, err
	}
	bundle, err := LocateBundle(filepath.Join(tree, PayloadDir))
	if err != nil {
		return nil, err
	}

	md := ReadMetadata(bundle)
	preview := &Preview{
		Source:     ipaPath,
		Name:       md.Title(),
		BundleID:   md.BundleID,
		Version:    md.Version(),
		MinimumOS:  md.MinimumOS,
		Executable: md.Executable,
		Libraries:  FindEmbeddedLibraries(bundle),
	}

	if icon := ResolveIcon(bundle, md); icon != "" {
		if data, err := os.ReadFile(icon); err == nil {
			preview.IconName = filepath.Base(icon)
			preview.Icon = data
		}
	}
	if profile, err := ReadEmbeddedProfile(bundle); err == nil {
		preview.Profile = profile
	}
	return preview, nil
}

// ScanFailure records an archive that could not be previewed.
type ScanFailure struct {
	Source string
	Err    error
}

// ScanResult holds previews in input order plus the archives that failed.
type ScanResult struct {
	Previews []*Preview
	Failures []ScanFailure
}

// Scanner previews several archives in parallel.
type Scanner struct {
	Codec       Codec
	StagingRoot string
	Workers     int // defaults to 1
	Logger      *log.Logger
}

// Scan inspects every path. A failing archive is reported and skipped; it
// never aborts the listing.
func (s *Scanner) Scan(ctx context.Context, paths []string) ScanResult {
	logger := orDiscard(s.Logger)
	previews := make([]*Preview, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Workers, 1))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			previews[i], errs[i] = InspectArchive(gctx, s.Codec, path, s.StagingRoot)
			return nil
		})
	}
	g.Wait()

	var result ScanResult
	for i, path := range paths {
		if errs[i] != nil {
			logger.Warn("failed to read archive", "target", filepath.Base(path), "err", errs[i])
			result.Failures = append(result.Failures, ScanFailure{Source: path, Err: errs[i]})
			continue
		}
		result.Previews = append(result.Previews, previews[i])
	}
	return result
}

// Start runs Scan on a background goroutine. The channel receives exactly
// one result and is then closed.
func (s *Scanner) Start(ctx context.Context, paths []string) <-chan ScanResult {
	ch := make(chan ScanResult, 1)
	go func() {
		defer close(ch)
		ch <- s.Scan(ctx, paths)
	}()
	return ch
}
