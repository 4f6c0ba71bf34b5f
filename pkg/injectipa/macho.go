package injectipa

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const (
	mhMagic   = 0xfeedface
	mhMagic64 = 0xfeedfacf

	lcLoadDylib     = 0xc
	lcCodeSignature = 0x1d

	dylibCommandSize = 24 // cmd, cmdsize, name offset, timestamp, current and compatibility version
	dylibTimestamp   = 2
)

func isFatMachO(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xca && data[1] == 0xfe && data[2] == 0xba && data[3] == 0xbe
}

// machHeaderSize returns the header size of a little-endian thin Mach-O.
func machHeaderSize(data []byte) (uint32, bool) {
	if len(data) < 32 {
		return 0, false
	}
	switch binary.LittleEndian.Uint32(data[:4]) {
	case mhMagic64:
		return 32, true
	case mhMagic:
		return 28, true
	}
	return 0, false
}

// codeSignatureRange finds the LC_CODE_SIGNATURE data without a full parse.
func codeSignatureRange(data []byte) (offset, size uint32, found bool) {
	headerSize, ok := machHeaderSize(data)
	if !ok {
		return 0, 0, false
	}

	ncmds := binary.LittleEndian.Uint32(data[16:20])
	sizeofcmds := binary.LittleEndian.Uint32(data[20:24])
	if uint64(len(data)) < uint64(headerSize)+uint64(sizeofcmds) {
		return 0, 0, false
	}

	cmdOffset := headerSize
	for i := uint32(0); i < ncmds; i++ {
		if cmdOffset+8 > headerSize+sizeofcmds {
			break
		}
		cmd := binary.LittleEndian.Uint32(data[cmdOffset:])
		cmdSize := binary.LittleEndian.Uint32(data[cmdOffset+4:])
		if cmd == lcCodeSignature && cmdSize >= 16 {
			return binary.LittleEndian.Uint32(data[cmdOffset+8:]), binary.LittleEndian.Uint32(data[cmdOffset+12:]), true
		}
		if cmdSize == 0 {
			break
		}
		cmdOffset += cmdSize
	}
	return 0, 0, false
}

// parseThinMachO parses one architecture. The signature blob is zeroed in a
// copy first since go-macho rejects some signature layouts.
func parseThinMachO(data []byte) (*macho.File, error) {
	dataForParsing := make([]byte, len(data))
	copy(dataForParsing, data)
	if sigOffset, sigSize, found := codeSignatureRange(data); found && sigOffset > 0 && sigOffset < uint32(len(data)) {
		end := uint64(sigOffset) + uint64(sigSize)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		clear(dataForParsing[sigOffset:end])
	}
	return macho.NewFile(bytes.NewReader(dataForParsing))
}

// machoSlices returns the bytes of each architecture in data. For a fat
// binary the slices alias data, so edits to them edit data.
func machoSlices(data []byte) ([][]byte, error) {
	if !isFatMachO(data) {
		if _, ok := machHeaderSize(data); !ok {
			return nil, fmt.Errorf("not a little-endian Mach-O file")
		}
		return [][]byte{data}, nil
	}

	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fat binary: %w", err)
	}
	defer fat.Close()

	slices := make([][]byte, 0, len(fat.Arches))
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("arch %d extends past end of file", i)
		}
		slices = append(slices, data[arch.Offset:end:end])
	}
	return slices, nil
}

// isLinked reports whether every architecture in data already loads loadPath.
func isLinked(data []byte, loadPath string) (bool, error) {
	slices, err := machoSlices(data)
	if err != nil {
		return false, err
	}
	for i, slice := range slices {
		m, err := parseThinMachO(slice)
		if err != nil {
			return false, fmt.Errorf("failed to parse arch %d: %w", i, err)
		}
		linked := containsString(m.ImportedLibraries(), loadPath)
		m.Close()
		if !linked {
			return false, nil
		}
	}
	return true, nil
}

// hasCodeSignature reports whether any architecture carries LC_CODE_SIGNATURE.
func hasCodeSignature(data []byte) bool {
	slices, err := machoSlices(data)
	if err != nil {
		return false
	}
	for _, slice := range slices {
		if _, _, found := codeSignatureRange(slice); found {
			return true
		}
	}
	return false
}

// addLoadDylib returns a copy of data with an LC_LOAD_DYLIB command for
// loadPath appended to every architecture that does not load it yet, and
// the number of architectures changed.
func addLoadDylib(data []byte, loadPath string) ([]byte, int, error) {
	out := make([]byte, len(data))
	copy(out, data)

	slices, err := machoSlices(out)
	if err != nil {
		return nil, 0, err
	}

	added := 0
	for i, slice := range slices {
		ok, err := insertLoadDylib(slice, loadPath)
		if err != nil {
			return nil, 0, fmt.Errorf("arch %d: %w", i, err)
		}
		if ok {
			added++
		}
	}
	return out, added, nil
}

// insertLoadDylib writes the command into the header padding between the end
// of the load command table and the first section's file data.
func insertLoadDylib(slice []byte, loadPath string) (bool, error) {
	headerSize, ok := machHeaderSize(slice)
	if !ok {
		return false, fmt.Errorf("not a little-endian Mach-O file")
	}

	m, err := parseThinMachO(slice)
	if err != nil {
		return false, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	if containsString(m.ImportedLibraries(), loadPath) {
		return false, nil
	}

	align := uint32(4)
	if m.Magic == types.Magic64 {
		align = 8
	}

	ncmds := binary.LittleEndian.Uint32(slice[16:20])
	sizeofcmds := binary.LittleEndian.Uint32(slice[20:24])
	loadCmdsEnd := uint64(headerSize) + uint64(sizeofcmds)
	cmdSize := alignUp(dylibCommandSize+uint32(len(loadPath))+1, align)

	limit := uint64(firstSectionOffset(m))
	if limit == 0 || limit > uint64(len(slice)) {
		limit = uint64(len(slice))
	}
	if loadCmdsEnd+uint64(cmdSize) > limit {
		available := int64(limit) - int64(loadCmdsEnd)
		return false, fmt.Errorf("no room to add load command (need %d bytes, only %d available)", cmdSize, max(available, 0))
	}

	cmd := slice[loadCmdsEnd : loadCmdsEnd+uint64(cmdSize)]
	for _, b := range cmd {
		if b != 0 {
			return false, fmt.Errorf("header padding at %#x is not empty", loadCmdsEnd)
		}
	}

	binary.LittleEndian.PutUint32(cmd[0:], lcLoadDylib)
	binary.LittleEndian.PutUint32(cmd[4:], cmdSize)
	binary.LittleEndian.PutUint32(cmd[8:], dylibCommandSize)
	binary.LittleEndian.PutUint32(cmd[12:], dylibTimestamp)
	binary.LittleEndian.PutUint32(cmd[16:], 0)
	binary.LittleEndian.PutUint32(cmd[20:], 0)
	copy(cmd[dylibCommandSize:], loadPath)

	binary.LittleEndian.PutUint32(slice[16:], ncmds+1)
	binary.LittleEndian.PutUint32(slice[20:], sizeofcmds+cmdSize)
	return true, nil
}

func firstSectionOffset(m *macho.File) uint32 {
	var first uint32
	for _, sec := range m.Sections {
		if sec.Offset == 0 {
			continue
		}
		if first == 0 || sec.Offset < first {
			first = sec.Offset
		}
	}
	return first
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
