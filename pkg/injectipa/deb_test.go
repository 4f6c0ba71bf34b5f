package injectipa

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageExtractor_Extract(t *testing.T) {
	requireTools(t, "ar", "tar")

	deb := filepath.Join(t.TempDir(), "tweak.deb")
	writeDeb(t, deb, map[string]string{
		"./Library/MobileSubstrate/DynamicLibraries/Tweak.plist": "{ Filter = {}; }",
		"./Library/MobileSubstrate/DynamicLibraries/Tweak.dylib": "first",
		"./usr/lib/zzz.dylib":                                    "second",
	})

	scratch := t.TempDir()
	dest := t.TempDir()
	x := &PackageExtractor{ScratchRoot: scratch}
	name, err := x.Extract(context.Background(), deb, dest)
	require.NoError(t, err)
	assert.Equal(t, "Tweak.dylib", name)

	data, err := os.ReadFile(filepath.Join(dest, name))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	emptyDir(t, scratch)
}

func TestPackageExtractor_Failures(t *testing.T) {
	requireTools(t, "ar", "tar")

	tests := []struct {
		name  string
		write func(t *testing.T, path string)
		want  error
	}{
		{
			name: "no data segment",
			write: func(t *testing.T, path string) {
				deb := arArchive(
					arMember{name: "debian-binary", data: []byte("2.0\n")},
					arMember{name: "control.tar", data: tarArchive(t, map[string]string{"./control": "x"})},
				)
				require.NoError(t, os.WriteFile(path, deb, 0644))
			},
			want: ErrDataSegmentMissing,
		},
		{
			name: "no dylib",
			write: func(t *testing.T, path string) {
				writeDeb(t, path, map[string]string{"./usr/bin/tool": "x"})
			},
			want: ErrLibraryNotFound,
		},
		{
			name: "corrupt data segment",
			write: func(t *testing.T, path string) {
				deb := arArchive(
					arMember{name: "debian-binary", data: []byte("2.0\n")},
					arMember{name: "data.tar.xz", data: []byte("definitely not xz")},
				)
				require.NoError(t, os.WriteFile(path, deb, 0644))
			},
			want: ErrInnerExtractionFailed,
		},
		{
			name: "not an ar archive",
			write: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
			},
			want: ErrOuterExtractionFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deb := filepath.Join(t.TempDir(), "broken.deb")
			tc.write(t, deb)

			scratch := t.TempDir()
			dest := t.TempDir()
			_, err := (&PackageExtractor{ScratchRoot: scratch}).Extract(context.Background(), deb, dest)
			assert.ErrorIs(t, err, tc.want)
			emptyDir(t, scratch)
			emptyDir(t, dest)
		})
	}
}

func TestPackageExtractor_MissingTool(t *testing.T) {
	deb := filepath.Join(t.TempDir(), "tweak.deb")
	require.NoError(t, os.WriteFile(deb, []byte("!<arch>\n"), 0644))

	scratch := t.TempDir()
	x := &PackageExtractor{Ar: "definitely-not-ar", ScratchRoot: scratch}
	_, err := x.Extract(context.Background(), deb, t.TempDir())
	assert.ErrorIs(t, err, ErrOuterExtractionFailed)
	emptyDir(t, scratch)
}

func TestFindFirstDylib_LexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"b/libb.dylib":   "",
		"a/z/libz.dylib": "",
		"a/liba.txt":     "",
	})

	got, err := findFirstDylib(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "z", "libz.dylib"), got)
}

func TestFindFirstDylib_FollowsSymlinks(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "libhost.dylib")
	require.NoError(t, os.WriteFile(outside, []byte("host"), 0644))

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"usr/lib/real/libtweak.1.dylib": "tweak",
		"usr/lib/zz/libz.dylib":         "",
	})
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "usr", "lib", "a_host.dylib")))
	require.NoError(t, os.Symlink("missing.dylib", filepath.Join(dir, "usr", "lib", "b_dangling.dylib")))
	require.NoError(t, os.Symlink("real/libtweak.1.dylib", filepath.Join(dir, "usr", "lib", "libtweak.dylib")))

	got, err := findFirstDylib(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "usr", "lib", "libtweak.dylib"), got)

	dest := t.TempDir()
	require.NoError(t, copyFile(got, filepath.Join(dest, "libtweak.dylib"), 0644))
	data, err := os.ReadFile(filepath.Join(dest, "libtweak.dylib"))
	require.NoError(t, err)
	assert.Equal(t, "tweak", string(data))
}
