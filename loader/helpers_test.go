package loader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/qemufw/tableloader/fwcfg"
	"github.com/qemufw/tableloader/measure"
	"github.com/qemufw/tableloader/platform"
)

// ---------------------------------------------------------------------------
// Script and table fixtures
// ---------------------------------------------------------------------------

func fname(t *testing.T, s string) FileName {
	t.Helper()
	n, err := MakeFileName(s)
	if err != nil {
		t.Fatalf("MakeFileName(%q): %v", s, err)
	}
	return n
}

func allocCmd(t *testing.T, name string) Command {
	t.Helper()
	return Command{Type: CmdAllocate, Allocate: AllocateArgs{
		File:      fname(t, name),
		Alignment: 1,
		Zone:      ZoneHigh,
	}}
}

func addPointerCmd(t *testing.T, pointer, pointee string, off uint32, size uint8) Command {
	t.Helper()
	return Command{Type: CmdAddPointer, Pointer: AddPointerArgs{
		PointerFile:   fname(t, pointer),
		PointeeFile:   fname(t, pointee),
		PointerOffset: off,
		PointerSize:   size,
	}}
}

func addChecksumCmd(t *testing.T, name string, result, start, length uint32) Command {
	t.Helper()
	return Command{Type: CmdAddChecksum, Checksum: AddChecksumArgs{
		File:         fname(t, name),
		ResultOffset: result,
		Start:        start,
		Length:       length,
	}}
}

func writePointerCmd(t *testing.T, pointer, pointee string, ptrOff, pointeeOff uint32, size uint8) Command {
	t.Helper()
	return Command{Type: CmdWritePointer, WritePtr: WritePointerArgs{
		PointerFile:   fname(t, pointer),
		PointeeFile:   fname(t, pointee),
		PointerOffset: ptrOff,
		PointeeOffset: pointeeOff,
		PointerSize:   size,
	}}
}

// makeTable builds a table of the given total length with a valid header
// and a deliberately wrong checksum byte. Identity offsets follow the
// fixed header layout.
func makeTable(sig string, length int) []byte {
	buf := make([]byte, length)
	copy(buf, sig)
	binary.LittleEndian.PutUint32(buf[4:], uint32(length)) // declared length
	buf[8] = 2    // revision
	buf[9] = 0xab // checksum, wrong on purpose
	copy(buf[10:], "BOCHS ")
	copy(buf[16:], "BXPC    ")
	binary.LittleEndian.PutUint32(buf[24:], 1)
	copy(buf[28:], "BXPC")
	binary.LittleEndian.PutUint32(buf[32:], 1)
	return buf
}

// ---------------------------------------------------------------------------
// Collaborator fakes
// ---------------------------------------------------------------------------

// collector is a TableService that keeps copies of installed tables.
type collector struct {
	tables [][]byte
	failAt int // fail the n-th install (1-based); 0 never fails
}

func (c *collector) Install(table []byte) (uint64, error) {
	if c.failAt > 0 && len(c.tables)+1 == c.failAt {
		return 0, errors.New("table service refused the table")
	}
	c.tables = append(c.tables, append([]byte{}, table...))
	return uint64(len(c.tables)), nil
}

// failSink is a measurement sink that always fails.
type failSink struct{}

func (failSink) Record(measure.EventKind, []byte) error {
	return errors.New("measurement sink unavailable")
}

// env wires a Store, an arena allocator and a collector together.
type env struct {
	store *fwcfg.Store
	alloc *platform.ArenaAllocator
	svc   *collector
}

func newEnv() *env {
	return &env{store: fwcfg.NewStore(), alloc: platform.NewArenaAllocator(), svc: &collector{}}
}

// install publishes cmds as the loader script and runs a full
// installation.
func (e *env) install(cmds []Command, opts ...Option) ([]InstalledTable, error) {
	e.store.Add(ScriptFileName, EncodeScript(cmds))
	ins := NewInstaller(e.store, e.alloc, e.svc, opts...)
	return ins.Install()
}
