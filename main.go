package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluedeke/go-injectipa/pkg/injectipa"
	"github.com/charmbracelet/log"
	"github.com/docopt/docopt-go"
)

const version = "1.0.0"

const usage = `go-injectipa - iOS App Library Injection Tool

A command-line tool for adding a dynamic library to iOS IPA files. The library
is copied into the app bundle and loaded from @executable_path at launch.

Usage:
  go-injectipa inject --lib=<path> <ipa>... [--output-dir=<dir>] [--output=<path>] [--report=<path>] [--config=<path>] [--native] [--verbose]
  go-injectipa info <ipa>... [--config=<path>] [--verbose]
  go-injectipa icon <ipa> [--output=<path>] [--config=<path>]
  go-injectipa -h | --help
  go-injectipa --version

Commands:
  inject    Inject a .dylib (or the first .dylib inside a .deb) into one or more IPA files
  info      Display information about IPA files
  icon      Export the app icon of an IPA file

Options:
  --lib=<path>          Path to the .dylib or .deb package to inject
  --output-dir=<dir>    Save modified IPAs in this directory as <name>_<timestamp>.ipa
  --output=<path>       Path for the output (inject: single IPA only, icon: defaults to <app name>.png)
  --report=<path>       Write a YAML report of every target to this file
  --config=<path>       Path to a YAML configuration file
  --native              Use the built-in zip and Mach-O backends instead of zip/unzip and optool
  --verbose             Show debug output, including external tool output
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  INJECTIPA_STAGING_ROOT      Directory for temporary staging directories
  INJECTIPA_OUTPUT_DIR        Default for --output-dir
  INJECTIPA_ARCHIVE_BACKEND   external (unzip/zip) or native
  INJECTIPA_INJECTOR_BACKEND  optool or native
  INJECTIPA_LOG_LEVEL         debug, info, warn or error

Without --output-dir or --output, the destination of every modified IPA is
asked for on the terminal. Press enter to accept the suggested name or enter
"-" to skip saving.

Examples:
  # Inject a dylib into an IPA, saving next to the current directory
  go-injectipa inject --lib=Tweak.dylib --output-dir=. MyApp.ipa

  # Inject the dylib contained in a Debian package into several IPAs
  go-injectipa inject --lib=tweak.deb --output-dir=out App1.ipa App2.ipa

  # Inject without zip/unzip or optool installed and keep a report
  go-injectipa inject --lib=Tweak.dylib --output=MyApp-injected.ipa --native --report=report.yaml MyApp.ipa

  # View IPA information
  go-injectipa info MyApp.ipa Other.ipa

  # Export the app icon
  go-injectipa icon MyApp.ipa --output=icon.png
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if inject, _ := opts.Bool("inject"); inject {
		err = runInject(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(ctx, opts)
	} else if icon, _ := opts.Bool("icon"); icon {
		err = runIcon(ctx, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the flags shared by all
// commands.
func loadConfig(opts docopt.Opts) (*injectipa.Config, *log.Logger, error) {
	configPath, _ := opts.String("--config")
	cfg, err := injectipa.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	if native, _ := opts.Bool("--native"); native {
		cfg.Archive.Backend = injectipa.BackendNative
		cfg.Injector.Backend = injectipa.BackendNative
	}
	if verbose, _ := opts.Bool("--verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := injectipa.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runInject(ctx context.Context, opts docopt.Opts) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	libPath, _ := opts.String("--lib")
	targets := stringList(opts["<ipa>"])
	outputPath, _ := opts.String("--output")
	outputDir, _ := opts.String("--output-dir")
	reportPath, _ := opts.String("--report")

	if outputDir == "" {
		outputDir = cfg.OutputDir
	}

	var dest injectipa.Destination
	switch {
	case outputPath != "":
		if len(targets) > 1 {
			return fmt.Errorf("--output can only be used with a single IPA, use --output-dir instead")
		}
		dest = injectipa.FixedDestination{Path: outputPath}
	case outputDir != "":
		dest = injectipa.DirDestination{Dir: outputDir}
	default:
		dest = injectipa.NewPromptDestination(os.Stdin, os.Stderr)
	}

	injector, err := injectipa.NewInjector(injectipa.InjectorOptions{
		Codec:       cfg.NewCodec(logger),
		Patcher:     cfg.NewPatcher(logger),
		Extractor:   cfg.NewExtractor(logger),
		Destination: dest,
		StagingRoot: cfg.StagingRoot,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Injecting: %s\n", libPath)
	fmt.Printf("Archive backend:  %s\n", cfg.Archive.Backend)
	fmt.Printf("Injector backend: %s\n", cfg.Injector.Backend)
	fmt.Println()

	report, err := injector.Run(ctx, injectipa.Request{Library: libPath, Targets: targets})
	if err != nil {
		return err
	}

	for _, o := range report.Outcomes {
		switch o.Status {
		case injectipa.StatusDelivered:
			fmt.Printf("  [ok]        %s -> %s\n", o.Target, o.Destination)
		case injectipa.StatusCancelled:
			fmt.Printf("  [skipped]   %s\n", o.Target)
		default:
			fmt.Printf("  [failed]    %s: %s (%s)\n", o.Target, o.Message, o.Kind)
		}
	}
	fmt.Println()
	fmt.Println(report.Summary())

	if reportPath != "" {
		if err := report.SaveYAML(reportPath); err != nil {
			return err
		}
	}
	if report.Failed() > 0 {
		return fmt.Errorf("%d of %d archives failed", report.Failed(), len(report.Outcomes))
	}
	return nil
}

func runInfo(ctx context.Context, opts docopt.Opts) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	scanner := cfg.NewScanner(logger)
	result := <-scanner.Start(ctx, stringList(opts["<ipa>"]))

	for i, p := range result.Previews {
		if i > 0 {
			fmt.Println()
		}
		showPreview(p)
	}

	if len(result.Failures) > 0 {
		fmt.Println()
		fmt.Println("Unreadable Archives")
		fmt.Println("-------------------")
		for _, f := range result.Failures {
			fmt.Printf("  %s: %v\n", f.Source, f.Err)
		}
		return fmt.Errorf("%d archives could not be read", len(result.Failures))
	}
	return nil
}

func showPreview(p *injectipa.Preview) {
	fmt.Println("IPA Information")
	fmt.Println("===============")
	fmt.Printf("File:        %s\n", p.Source)
	fmt.Printf("App Name:    %s\n", p.Name)
	fmt.Printf("Bundle ID:   %s\n", p.BundleID)
	fmt.Printf("Version:     %s\n", p.Version)
	fmt.Printf("Executable:  %s\n", p.Executable)
	if p.MinimumOS != "" {
		fmt.Printf("Minimum iOS: %s\n", p.MinimumOS)
	}
	if p.IconName != "" {
		fmt.Printf("Icon:        %s (%d bytes)\n", p.IconName, len(p.Icon))
	}

	if len(p.Libraries) > 0 {
		fmt.Printf("Libraries:   %s\n", strings.Join(p.Libraries, ", "))
	}

	if p.Profile != nil {
		fmt.Println()
		fmt.Println("Embedded Provisioning Profile")
		fmt.Println("-----------------------------")
		fmt.Printf("Name:           %s\n", p.Profile.Name)
		fmt.Printf("Team:           %s (%s)\n", p.Profile.TeamName, p.Profile.TeamID)
		fmt.Printf("App ID:         %s\n", p.Profile.AppID)
		fmt.Printf("Expiration:     %s\n", p.Profile.ExpirationDate.Format("2006-01-02"))
		fmt.Printf("Expired:        %v\n", p.Profile.Expired(time.Now()))
		if p.Profile.AllDevices {
			fmt.Printf("Devices:        all\n")
		} else {
			fmt.Printf("Devices:        %d\n", p.Profile.DeviceCount)
		}
	}
}

func runIcon(ctx context.Context, opts docopt.Opts) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}

	targets := stringList(opts["<ipa>"])
	if len(targets) != 1 {
		return fmt.Errorf("exactly one IPA is required")
	}

	preview, err := injectipa.InspectArchive(ctx, cfg.NewCodec(nil), targets[0], cfg.StagingRoot)
	if err != nil {
		return err
	}
	if len(preview.Icon) == 0 {
		return fmt.Errorf("no icon found in %s", targets[0])
	}

	outputPath, _ := opts.String("--output")
	if outputPath == "" {
		outputPath = preview.Name + filepath.Ext(preview.IconName)
	}
	if err := os.WriteFile(outputPath, preview.Icon, 0644); err != nil {
		return fmt.Errorf("failed to write icon: %w", err)
	}

	fmt.Printf("Saved icon: %s\n", outputPath)
	return nil
}

// stringList normalizes a docopt positional that may be parsed as a single
// string or a list depending on the matched pattern.
func stringList(v interface{}) []string {
	switch v := v.(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
