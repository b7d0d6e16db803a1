// Package loader interprets the host's table-loader script: it
// materializes named configuration blobs into page-granular memory, links
// them together by patching pointers and checksums, rewrites table
// identity, and registers the finished tables.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFormat marks malformed script contents: bad record sizes,
	// unterminated names, duplicate or unresolved file references, and
	// out-of-range patch targets.
	ErrFormat = errors.New("loader: malformed loader script")

	// ErrUnsupported marks script features the interpreter does not
	// implement, such as unknown command tags or sub-page alignment.
	ErrUnsupported = errors.New("loader: unsupported loader command")
)

// Wire layout of the loader script: fixed-size records, each starting with
// a 4-byte little-endian command tag followed by a tagged union payload.
const (
	// FileNameSize is the fixed width of the NUL-terminated name buffers.
	FileNameSize = 56

	entrySize   = 128
	payloadSize = entrySize - 4
)

// CommandType is a script record's 4-byte tag.
type CommandType uint32

const (
	CmdAllocate     CommandType = 1
	CmdAddPointer   CommandType = 2
	CmdAddChecksum  CommandType = 3
	CmdWritePointer CommandType = 4
)

// Allocation zone hints. Placement does not depend on them beyond
// validation; they are carried for logging.
const (
	ZoneHigh uint8 = 1
	ZoneFSeg uint8 = 2
)

// FileName is a fixed-width name buffer. A name is well-formed only if the
// buffer's final byte is NUL; an unterminated buffer anywhere in a script
// is a format error for the whole script.
type FileName [FileNameSize]byte

// Terminated reports whether the buffer is NUL-terminated.
func (n *FileName) Terminated() bool {
	return n[FileNameSize-1] == 0
}

func (n *FileName) String() string {
	if i := bytes.IndexByte(n[:], 0); i >= 0 {
		return string(n[:i])
	}
	return string(n[:])
}

// MakeFileName builds a name buffer from s. Names must leave room for the
// terminating NUL.
func MakeFileName(s string) (FileName, error) {
	var n FileName
	if len(s) >= FileNameSize {
		return n, fmt.Errorf("loader: file name %q exceeds %d bytes: %w", s, FileNameSize-1, ErrFormat)
	}
	copy(n[:], s)
	return n, nil
}

// AllocateArgs describes CmdAllocate: materialize the named blob into
// whole pages with the given alignment, in the hinted zone.
type AllocateArgs struct {
	File      FileName
	Alignment uint32
	Zone      uint8
}

// AddPointerArgs describes CmdAddPointer: add the pointee blob's base
// address into the PointerSize-byte little-endian field at PointerOffset
// inside the pointer blob.
type AddPointerArgs struct {
	PointerFile   FileName
	PointeeFile   FileName
	PointerOffset uint32
	PointerSize   uint8
}

// AddChecksumArgs describes CmdAddChecksum: store the zero-sum checksum of
// [Start, Start+Length) at ResultOffset, all within one blob.
type AddChecksumArgs struct {
	File         FileName
	ResultOffset uint32
	Start        uint32
	Length       uint32
}

// WritePointerArgs describes CmdWritePointer: write the pointee blob's
// address plus PointeeOffset into a writable transport file at
// PointerOffset.
type WritePointerArgs struct {
	PointerFile   FileName
	PointeeFile   FileName
	PointerOffset uint32
	PointeeOffset uint32
	PointerSize   uint8
}

// Command is one decoded script record. Exactly the argument struct
// selected by Type is meaningful.
type Command struct {
	Type     CommandType
	Allocate AllocateArgs
	Pointer  AddPointerArgs
	Checksum AddChecksumArgs
	WritePtr WritePointerArgs
}

// DecodeScript decodes an entire loader script. The script must be a
// non-empty whole number of records. Unknown tags decode to a bare Command
// so the interpreter can reject them in script order; name buffers are
// validated where each consumer reads them.
func DecodeScript(data []byte) ([]Command, error) {
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("loader: script length %d is not a multiple of %d: %w", len(data), entrySize, ErrFormat)
	}

	cmds := make([]Command, 0, len(data)/entrySize)
	for off := 0; off < len(data); off += entrySize {
		record := data[off : off+entrySize]
		payload := record[4:]

		cmd := Command{Type: CommandType(binary.LittleEndian.Uint32(record))}
		switch cmd.Type {
		case CmdAllocate:
			copy(cmd.Allocate.File[:], payload)
			cmd.Allocate.Alignment = binary.LittleEndian.Uint32(payload[FileNameSize:])
			cmd.Allocate.Zone = payload[FileNameSize+4]
		case CmdAddPointer:
			copy(cmd.Pointer.PointerFile[:], payload)
			copy(cmd.Pointer.PointeeFile[:], payload[FileNameSize:])
			cmd.Pointer.PointerOffset = binary.LittleEndian.Uint32(payload[2*FileNameSize:])
			cmd.Pointer.PointerSize = payload[2*FileNameSize+4]
		case CmdAddChecksum:
			copy(cmd.Checksum.File[:], payload)
			cmd.Checksum.ResultOffset = binary.LittleEndian.Uint32(payload[FileNameSize:])
			cmd.Checksum.Start = binary.LittleEndian.Uint32(payload[FileNameSize+4:])
			cmd.Checksum.Length = binary.LittleEndian.Uint32(payload[FileNameSize+8:])
		case CmdWritePointer:
			copy(cmd.WritePtr.PointerFile[:], payload)
			copy(cmd.WritePtr.PointeeFile[:], payload[FileNameSize:])
			cmd.WritePtr.PointerOffset = binary.LittleEndian.Uint32(payload[2*FileNameSize:])
			cmd.WritePtr.PointeeOffset = binary.LittleEndian.Uint32(payload[2*FileNameSize+4:])
			cmd.WritePtr.PointerSize = payload[2*FileNameSize+8]
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// EncodeScript serializes commands back into the wire format. Fixtures and
// the encode side of tests use it; the interpreter itself only decodes.
func EncodeScript(cmds []Command) []byte {
	out := make([]byte, len(cmds)*entrySize)
	for i := range cmds {
		record := out[i*entrySize:]
		payload := record[4:entrySize]
		cmd := &cmds[i]

		binary.LittleEndian.PutUint32(record, uint32(cmd.Type))
		switch cmd.Type {
		case CmdAllocate:
			copy(payload, cmd.Allocate.File[:])
			binary.LittleEndian.PutUint32(payload[FileNameSize:], cmd.Allocate.Alignment)
			payload[FileNameSize+4] = cmd.Allocate.Zone
		case CmdAddPointer:
			copy(payload, cmd.Pointer.PointerFile[:])
			copy(payload[FileNameSize:], cmd.Pointer.PointeeFile[:])
			binary.LittleEndian.PutUint32(payload[2*FileNameSize:], cmd.Pointer.PointerOffset)
			payload[2*FileNameSize+4] = cmd.Pointer.PointerSize
		case CmdAddChecksum:
			copy(payload, cmd.Checksum.File[:])
			binary.LittleEndian.PutUint32(payload[FileNameSize:], cmd.Checksum.ResultOffset)
			binary.LittleEndian.PutUint32(payload[FileNameSize+4:], cmd.Checksum.Start)
			binary.LittleEndian.PutUint32(payload[FileNameSize+8:], cmd.Checksum.Length)
		case CmdWritePointer:
			copy(payload, cmd.WritePtr.PointerFile[:])
			copy(payload[FileNameSize:], cmd.WritePtr.PointeeFile[:])
			binary.LittleEndian.PutUint32(payload[2*FileNameSize:], cmd.WritePtr.PointerOffset)
			binary.LittleEndian.PutUint32(payload[2*FileNameSize+4:], cmd.WritePtr.PointeeOffset)
			payload[2*FileNameSize+8] = cmd.WritePtr.PointerSize
		}
	}
	return out
}
