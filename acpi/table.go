// Package acpi provides the ACPI system description table header layout,
// the 8-bit zero-sum checksum, and the identity rewrite applied to freshly
// loaded tables.
package acpi

import (
	"bytes"
	"encoding/binary"
)

// HeaderSize is the size of the common system description table header.
const HeaderSize = 36

// Fixed little-endian field offsets within the header.
const (
	offSignature       = 0
	offLength          = 4
	offRevision        = 8
	offChecksum        = 9
	offOEMID           = 10
	offOEMTableID      = 16
	offOEMRevision     = 24
	offCreatorID       = 28
	offCreatorRevision = 32
)

// Identity field widths.
const (
	OEMIDSize      = 6
	OEMTableIDSize = 8
	CreatorIDSize  = 4
)

// Header is the parsed view of a system description table header.
type Header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [OEMIDSize]byte
	OEMTableID      [OEMTableIDSize]byte
	OEMRevision     uint32
	CreatorID       [CreatorIDSize]byte
	CreatorRevision uint32
}

// ParseHeader decodes the header at the start of buf. It returns false if
// buf is too short to hold one, or if the declared length is smaller than
// the header itself or larger than buf. A false result means the bytes are
// not treated as a table.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	var h Header
	copy(h.Signature[:], buf[offSignature:])
	h.Length = binary.LittleEndian.Uint32(buf[offLength:])
	h.Revision = buf[offRevision]
	h.Checksum = buf[offChecksum]
	copy(h.OEMID[:], buf[offOEMID:])
	copy(h.OEMTableID[:], buf[offOEMTableID:])
	h.OEMRevision = binary.LittleEndian.Uint32(buf[offOEMRevision:])
	copy(h.CreatorID[:], buf[offCreatorID:])
	h.CreatorRevision = binary.LittleEndian.Uint32(buf[offCreatorRevision:])
	if h.Length < HeaderSize || int(h.Length) > len(buf) {
		return h, false
	}
	return h, true
}

// Checksum8 returns the byte that makes the sum of data plus the result
// zero modulo 256.
func Checksum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return uint8(0) - sum
}

// SumValid reports whether the bytes sum to zero modulo 256, the format's
// self-verification rule.
func SumValid(data []byte) bool {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum == 0
}

func trimPadding(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}
