package injectipa

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

const (
	// PayloadDir is the directory inside an IPA holding the application bundle.
	PayloadDir = "Payload"

	bundleSuffix  = ".app"
	infoPlistName = "Info.plist"
	frameworksDir = "Frameworks"
	dylibExt      = ".dylib"
	pngExt        = ".png"
)

// LocateBundle returns the single application bundle directly under
// payloadRoot. It accepts exactly one child carrying the .app suffix, or
// exactly two children of which exactly one carries it. Anything else fails
// with ErrBundleNotFound.
func LocateBundle(payloadRoot string) (string, error) {
	entries, err := os.ReadDir(payloadRoot)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read %s directory: %v", ErrBundleNotFound, PayloadDir, err)
	}

	var bundles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), bundleSuffix) {
			bundles = append(bundles, entry.Name())
		}
	}

	if (len(entries) == 1 || len(entries) == 2) && len(bundles) == 1 {
		return filepath.Join(payloadRoot, bundles[0]), nil
	}
	return "", fmt.Errorf("%w: %d entries, %d with %s suffix in %s",
		ErrBundleNotFound, len(entries), len(bundles), bundleSuffix, payloadRoot)
}

// Metadata is a read-only view over a bundle's Info.plist. Keys that are
// absent or of the wrong type are left empty.
type Metadata struct {
	Executable   string
	DisplayName  string
	Name         string
	ShortVersion string
	Build        string
	BundleID     string
	MinimumOS    string
	IconFiles    []string // CFBundleIcons.CFBundlePrimaryIcon.CFBundleIconFiles

	bundleDir string
}

// ReadMetadata parses bundlePath/Info.plist. A missing or malformed file
// yields empty fields, never an error.
func ReadMetadata(bundlePath string) Metadata {
	md := Metadata{bundleDir: filepath.Base(bundlePath)}

	info, err := readInfoPlist(bundlePath)
	if err != nil {
		return md
	}

	md.Executable = stringValue(info, "CFBundleExecutable")
	md.DisplayName = stringValue(info, "CFBundleDisplayName")
	md.Name = stringValue(info, "CFBundleName")
	md.ShortVersion = stringValue(info, "CFBundleShortVersionString")
	md.Build = stringValue(info, "CFBundleVersion")
	md.BundleID = stringValue(info, "CFBundleIdentifier")
	md.MinimumOS = stringValue(info, "MinimumOSVersion")

	if icons, ok := info["CFBundleIcons"].(map[string]interface{}); ok {
		if primary, ok := icons["CFBundlePrimaryIcon"].(map[string]interface{}); ok {
			md.IconFiles = stringSlice(primary["CFBundleIconFiles"])
		}
	}
	return md
}

// Title returns the display name, falling back to the bundle name and then
// the bundle directory name without its extension.
func (m Metadata) Title() string {
	switch {
	case m.DisplayName != "":
		return m.DisplayName
	case m.Name != "":
		return m.Name
	default:
		return strings.TrimSuffix(m.bundleDir, filepath.Ext(m.bundleDir))
	}
}

// Version returns "<short> (<build>)" when both are known, else the build
// number alone, else "".
func (m Metadata) Version() string {
	if m.ShortVersion != "" && m.Build != "" {
		return fmt.Sprintf("%s (%s)", m.ShortVersion, m.Build)
	}
	return m.Build
}

// ReadExecutableName reads CFBundleExecutable from the bundle's Info.plist.
func ReadExecutableName(bundlePath string) (string, error) {
	info, err := readInfoPlist(bundlePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecutableNameMissing, err)
	}

	execName := stringValue(info, "CFBundleExecutable")
	if execName == "" {
		return "", fmt.Errorf("%w: CFBundleExecutable not found in %s", ErrExecutableNameMissing, infoPlistName)
	}
	return execName, nil
}

// ResolveIcon returns the path of the bundle's icon, or "" when the bundle
// contains no PNG at all. The last declared primary icon file is matched by
// substring against PNGs in the bundle root; failing that the largest PNG
// anywhere in the bundle wins.
func ResolveIcon(bundlePath string, md Metadata) string {
	if n := len(md.IconFiles); n > 0 && md.IconFiles[n-1] != "" {
		declared := md.IconFiles[n-1]
		if entries, err := os.ReadDir(bundlePath); err == nil {
			for _, entry := range entries {
				name := entry.Name()
				if strings.Contains(name, declared) && strings.EqualFold(filepath.Ext(name), pngExt) {
					return filepath.Join(bundlePath, name)
				}
			}
		}
	}

	var best string
	var bestSize int64
	filepath.WalkDir(bundlePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), pngExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	return best
}

// FindEmbeddedLibraries lists the file names of .dylib files in the bundle.
// Frameworks/ is listed separately since it may be a symlink the walk does
// not follow.
func FindEmbeddedLibraries(bundlePath string) []string {
	var names []string
	seen := make(map[string]bool)

	filepath.WalkDir(bundlePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), dylibExt) {
			seen[path] = true
			names = append(names, d.Name())
		}
		return nil
	})

	frameworks := filepath.Join(bundlePath, frameworksDir)
	if entries, err := os.ReadDir(frameworks); err == nil {
		for _, entry := range entries {
			path := filepath.Join(frameworks, entry.Name())
			if seen[path] || !strings.EqualFold(filepath.Ext(path), dylibExt) {
				continue
			}
			names = append(names, entry.Name())
		}
	}
	return names
}

func readInfoPlist(bundlePath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, infoPlistName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", infoPlistName, err)
	}
	return parseInfoPlist(data)
}

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}

func stringValue(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
