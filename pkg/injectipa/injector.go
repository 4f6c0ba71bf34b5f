package injectipa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Request names the library to inject and the archives to inject it into.
// Library may be a .dylib or a .deb package containing one.
type Request struct {
	Library string
	Targets []string
}

// Stage is a step of the per-archive pipeline.
type Stage string

const (
	StageStaged          Stage = "staged"
	StageLibraryResolved Stage = "library_resolved"
	StageUnpacked        Stage = "unpacked"
	StageBundleLocated   Stage = "bundle_located"
	StagePatched         Stage = "patched"
	StageRepacked        Stage = "repacked"
	StageDelivered       Stage = "delivered"
)

// Status is the final state of one target.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Outcome is the result for one target archive. Stage is the last stage
// the target completed.
type Outcome struct {
	Target      string    `yaml:"target"`
	Status      Status    `yaml:"status"`
	Stage       Stage     `yaml:"stage,omitempty"`
	Kind        ErrorKind `yaml:"kind,omitempty"`
	Message     string    `yaml:"message,omitempty"`
	Destination string    `yaml:"destination,omitempty"`
}

func (o *Outcome) fail(err error) Outcome {
	o.Status = StatusFailed
	o.Kind = Classify(err)
	o.Message = err.Error()
	return *o
}

// InjectorOptions configures an Injector. Codec, Patcher and Destination
// are required.
type InjectorOptions struct {
	Codec       Codec
	Patcher     Patcher
	Extractor   *PackageExtractor // used when the library is a .deb
	Destination Destination
	StagingRoot string // parent of staging directories, defaults to os.TempDir()
	Logger      *log.Logger
	Now         func() time.Time
}

// Injector runs the inject pipeline over a batch of archives, one at a time.
type Injector struct {
	opts   InjectorOptions
	logger *log.Logger
}

// NewInjector validates opts and returns an Injector.
func NewInjector(opts InjectorOptions) (*Injector, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Patcher == nil {
		return nil, fmt.Errorf("patcher is required")
	}
	if opts.Destination == nil {
		return nil, fmt.Errorf("destination is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = &PackageExtractor{ScratchRoot: opts.StagingRoot, Logger: opts.Logger}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Injector{opts: opts, logger: orDiscard(opts.Logger)}, nil
}

// Run processes every target and returns one outcome per target, in order.
// A failing target never stops the batch; only an invalid request or a
// cancelled ctx does, and remaining targets are then reported as cancelled
// failures. Every staging directory is removed before Run returns.
func (in *Injector) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Library == "" {
		return nil, fmt.Errorf("library path is required")
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("at least one target archive is required")
	}

	report := &Report{Library: req.Library}
	lib := &libraryResolver{injector: in, source: req.Library}
	defer lib.cleanup()

	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			outcome := Outcome{Target: target}
			report.Outcomes = append(report.Outcomes, outcome.fail(err))
			continue
		}
		report.Outcomes = append(report.Outcomes, in.process(ctx, lib, target))
	}

	in.logger.Info(report.Summary())
	return report, nil
}

func (in *Injector) process(ctx context.Context, lib *libraryResolver, target string) (outcome Outcome) {
	outcome = Outcome{Target: target}
	logger := in.logger.With("target", filepath.Base(target))

	defer func() {
		if r := recover(); r != nil {
			outcome.fail(fmt.Errorf("panic while processing %s: %v", target, r))
		}
		if outcome.Status == StatusFailed {
			logger.Error("injection failed", "stage", outcome.Stage, "kind", outcome.Kind, "err", outcome.Message)
		}
	}()

	staging, err := os.MkdirTemp(in.opts.StagingRoot, "injectipa-*")
	if err != nil {
		return outcome.fail(fmt.Errorf("failed to create staging directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn("failed to remove staging directory", "staging", staging, "err", err)
		}
	}()
	outcome.Stage = StageStaged
	logger.Debug("staged", "staging", staging)

	libraryPath, err := lib.resolve(ctx)
	if err != nil {
		return outcome.fail(err)
	}
	outcome.Stage = StageLibraryResolved

	tree, err := ExpandFresh(ctx, in.opts.Codec, target, staging)
	if err != nil {
		return outcome.fail(err)
	}
	outcome.Stage = StageUnpacked

	bundle, err := LocateBundle(filepath.Join(tree, PayloadDir))
	if err != nil {
		return outcome.fail(err)
	}
	execName, err := ReadExecutableName(bundle)
	if err != nil {
		return outcome.fail(err)
	}
	outcome.Stage = StageBundleLocated
	logger.Debug("located bundle", "bundle", filepath.Base(bundle), "executable", execName)

	if err := in.opts.Patcher.Inject(ctx, libraryPath, filepath.Join(bundle, execName)); err != nil {
		return outcome.fail(err)
	}
	outcome.Stage = StagePatched

	packed := filepath.Join(staging, "Modified.ipa")
	if err := in.opts.Codec.Compress(ctx, tree, packed); err != nil {
		return outcome.fail(err)
	}
	outcome.Stage = StageRepacked

	dest, err := in.opts.Destination.Choose(ctx, target, SuggestedName(target, in.opts.Now()))
	if errors.Is(err, ErrDestinationCancelled) {
		outcome.Status = StatusCancelled
		outcome.Kind = KindDestinationCancelled
		logger.Info("save cancelled")
		return outcome
	}
	if err != nil {
		return outcome.fail(err)
	}
	if err := moveFile(packed, dest); err != nil {
		return outcome.fail(fmt.Errorf("%w: %s: %v", ErrDelivery, dest, err))
	}

	outcome.Stage = StageDelivered
	outcome.Status = StatusDelivered
	outcome.Destination = dest
	logger.Info("saved modified archive", "destination", dest)
	return outcome
}

// libraryResolver turns the request's library into a .dylib path once per
// batch and caches the result, including a failure.
type libraryResolver struct {
	injector *Injector
	source   string

	done bool
	path string
	err  error
	dir  string
}

func (r *libraryResolver) resolve(ctx context.Context) (string, error) {
	if !r.done {
		r.path, r.err = r.resolveOnce(ctx)
		r.done = true
	}
	return r.path, r.err
}

func (r *libraryResolver) resolveOnce(ctx context.Context) (string, error) {
	if !strings.EqualFold(filepath.Ext(r.source), ".deb") {
		if info, err := os.Stat(r.source); err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, r.source)
		}
		return r.source, nil
	}

	dir, err := os.MkdirTemp(r.injector.opts.StagingRoot, "injectipa-lib-*")
	if err != nil {
		return "", fmt.Errorf("failed to create library staging directory: %w", err)
	}
	r.dir = dir

	name, err := r.injector.opts.Extractor.Extract(ctx, r.source, dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (r *libraryResolver) cleanup() {
	if r.dir != "" {
		os.RemoveAll(r.dir)
	}
}
