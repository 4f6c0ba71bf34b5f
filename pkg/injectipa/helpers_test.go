package injectipa

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

// requireTools skips the test unless every named tool is on PATH.
func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found on PATH", tool)
		}
	}
}

func infoPlist(t *testing.T, info map[string]interface{}) string {
	t.Helper()
	data, err := plist.Marshal(info, plist.XMLFormat)
	require.NoError(t, err)
	return string(data)
}

// writeTree creates files (relative path -> contents) below root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// readTree returns every regular file below root keyed by slash-separated
// relative path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

// writeIPA writes a zip archive at path holding files.
func writeIPA(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	w := zip.NewWriter(f)
	for _, name := range names {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

// sampleApp returns the files of an IPA with one bundle named <name>.app
// whose executable is the given contents.
func sampleApp(t *testing.T, name string, executable []byte) map[string]string {
	t.Helper()
	bundle := PayloadDir + "/" + name + ".app/"
	return map[string]string{
		bundle + infoPlistName: infoPlist(t, map[string]interface{}{
			"CFBundleExecutable":         name,
			"CFBundleIdentifier":         "com.example." + name,
			"CFBundleDisplayName":        name + " Display",
			"CFBundleShortVersionString": "1.2",
			"CFBundleVersion":            "45",
			"MinimumOSVersion":           "14.0",
		}),
		bundle + name:       string(executable),
		bundle + "Icon.png": "png",
	}
}

// emptyDir fails the test if dir contains any entries.
func emptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Empty(t, names, "leftover entries in %s", dir)
}

const (
	cpuArm64  = 0x0100000c
	cpuX86_64 = 0x01000007

	thinImageSize = 0x1000
)

// thinMachO builds a minimal little-endian 64-bit executable: a header and
// one __TEXT segment holding a __text section at textOffset.
func thinMachO(cpu uint32, textOffset uint32) []byte {
	const (
		segCmdSize  = 72
		sectionSize = 80
	)
	buf := make([]byte, thinImageSize)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], mhMagic64)
	le.PutUint32(buf[4:], cpu)
	le.PutUint32(buf[8:], 0)  // cpusubtype
	le.PutUint32(buf[12:], 2) // MH_EXECUTE
	le.PutUint32(buf[16:], 1)
	le.PutUint32(buf[20:], segCmdSize+sectionSize)
	le.PutUint32(buf[24:], 0)

	seg := buf[32:]
	le.PutUint32(seg[0:], 0x19) // LC_SEGMENT_64
	le.PutUint32(seg[4:], segCmdSize+sectionSize)
	copy(seg[8:24], "__TEXT")
	le.PutUint64(seg[24:], 0x100000000)
	le.PutUint64(seg[32:], thinImageSize)
	le.PutUint64(seg[40:], 0)
	le.PutUint64(seg[48:], thinImageSize)
	le.PutUint32(seg[56:], 5)
	le.PutUint32(seg[60:], 5)
	le.PutUint32(seg[64:], 1)
	le.PutUint32(seg[68:], 0)

	sect := seg[segCmdSize:]
	copy(sect[0:16], "__text")
	copy(sect[16:32], "__TEXT")
	le.PutUint64(sect[32:], 0x100000000+uint64(textOffset))
	le.PutUint64(sect[40:], 0x10)
	le.PutUint32(sect[48:], textOffset)
	le.PutUint32(sect[52:], 2)
	le.PutUint32(sect[64:], 0x80000400)

	return buf
}

// fatMachO wraps slices in a fat header, each aligned to 16 KiB.
func fatMachO(cpus []uint32, slices [][]byte) []byte {
	const align = 14
	be := binary.BigEndian

	header := make([]byte, 8+20*len(slices))
	be.PutUint32(header[0:], 0xcafebabe)
	be.PutUint32(header[4:], uint32(len(slices)))

	out := bytes.NewBuffer(nil)
	offset := uint32(1 << align)
	body := make([]byte, 0)
	for i, slice := range slices {
		entry := header[8+20*i:]
		be.PutUint32(entry[0:], cpus[i])
		be.PutUint32(entry[4:], 0)
		be.PutUint32(entry[8:], offset)
		be.PutUint32(entry[12:], uint32(len(slice)))
		be.PutUint32(entry[16:], align)

		pad := int(offset) - len(header) - len(body)
		body = append(body, make([]byte, pad)...)
		body = append(body, slice...)
		offset += 1 << align
	}
	out.Write(header)
	out.Write(body)
	return out.Bytes()
}

type arMember struct {
	name string
	data []byte
}

// arArchive builds a common-format ar archive as used by .deb packages.
func arArchive(members ...arMember) []byte {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	for _, m := range members {
		fmt.Fprintf(&buf, "%-16s%-12d%-6d%-6d%-8s%-10d`\n", m.name, 0, 0, 0, "100644", len(m.data))
		buf.Write(m.data)
		if len(m.data)%2 == 1 {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// tarArchive builds an uncompressed tar archive holding files.
func tarArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(files[name])),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// writeDeb writes a .deb with the given data.tar contents to path.
func writeDeb(t *testing.T, path string, data map[string]string) {
	t.Helper()
	deb := arArchive(
		arMember{name: "debian-binary", data: []byte("2.0\n")},
		arMember{name: "control.tar", data: tarArchive(t, map[string]string{"./control": "Package: tweak\n"})},
		arMember{name: "data.tar", data: tarArchive(t, data)},
	)
	require.NoError(t, os.WriteFile(path, deb, 0644))
}
