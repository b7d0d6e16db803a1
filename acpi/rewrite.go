package acpi

import (
	"encoding/binary"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("acpi")

// Profile is the replacement identity written over a table's vendor
// fields. Ids shorter than their fixed width are space-padded on the
// right; longer values are truncated. Profiles are immutable configuration
// passed into NewRewriter, never package state.
type Profile struct {
	OEMID       string
	OEMTableID  string
	CreatorID   string
	OEMRevision uint32
}

// DefaultProfile mirrors the identity of a common bare-metal vendor BIOS.
var DefaultProfile = Profile{
	OEMID:       "DELL",
	OEMTableID:  "R740",
	CreatorID:   "AMI ",
	OEMRevision: 0x01072009,
}

// Rewriter overwrites the identity fields of recognizable tables with a
// fixed Profile and recomputes the header checksum.
type Rewriter struct {
	profile Profile
}

func NewRewriter(profile Profile) *Rewriter {
	return &Rewriter{profile: profile}
}

// Rewrite applies the profile to the table at the start of buf and
// restores the zero-sum checksum over the declared table length. Content
// without a recognizable header is left untouched and reported as false;
// that is not an error, because blobs of unknown table-ness pass through
// here. Rewrite is idempotent.
func (rw *Rewriter) Rewrite(buf []byte) bool {
	hdr, ok := ParseHeader(buf)
	if !ok {
		return false
	}

	padField(buf[offOEMID:offOEMID+OEMIDSize], rw.profile.OEMID)
	padField(buf[offOEMTableID:offOEMTableID+OEMTableIDSize], rw.profile.OEMTableID)
	padField(buf[offCreatorID:offCreatorID+CreatorIDSize], rw.profile.CreatorID)
	binary.LittleEndian.PutUint32(buf[offOEMRevision:], rw.profile.OEMRevision)

	buf[offChecksum] = 0
	buf[offChecksum] = Checksum8(buf[:hdr.Length])

	log.Debugf("rewrote %q identity: oem id %q -> %q, oem table id %q -> %q",
		string(hdr.Signature[:]),
		trimPadding(hdr.OEMID[:]), rw.profile.OEMID,
		trimPadding(hdr.OEMTableID[:]), rw.profile.OEMTableID)
	return true
}

// padField fills dst with s, space-padded on the right.
func padField(dst []byte, s string) {
	n := copy(dst, s)
	for ; n < len(dst); n++ {
		dst[n] = ' '
	}
}
