package loader

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/qemufw/tableloader/acpi"
	"github.com/qemufw/tableloader/fwcfg"
	"github.com/qemufw/tableloader/measure"
	"github.com/qemufw/tableloader/platform"
)

var log = commonlog.GetLogger("loader")

// interpreter executes one decoded script, strictly in script order. It is
// private to a single Installer run; there is no concurrent access to any
// of its state.
type interpreter struct {
	transport fwcfg.Transport
	alloc     platform.PageAllocator
	sink      measure.Sink
	rewriter  *acpi.Rewriter

	// abortOnMeasure promotes measurement failures from best-effort
	// warnings to fatal errors.
	abortOnMeasure bool

	registry   *Registry
	restricted RestrictionSet

	// writes logs write-pointer effects on the transport so the driver
	// can undo them if a later command fails.
	writes []pointerWrite
}

type pointerWrite struct {
	item  fwcfg.Item
	off   int
	width int
}

func (in *interpreter) run(cmds []Command) error {
	for i := range cmds {
		if err := in.dispatch(&cmds[i]); err != nil {
			return err
		}
	}
	return nil
}

func (in *interpreter) dispatch(cmd *Command) error {
	switch cmd.Type {
	case CmdAllocate:
		return in.cmdAllocate(&cmd.Allocate)
	case CmdAddPointer:
		return in.cmdAddPointer(&cmd.Pointer)
	case CmdAddChecksum:
		return in.cmdAddChecksum(&cmd.Checksum)
	case CmdWritePointer:
		return in.cmdWritePointer(&cmd.WritePtr)
	default:
		return fmt.Errorf("loader: unknown command tag %#x: %w", uint32(cmd.Type), ErrUnsupported)
	}
}

// cmdAllocate materializes a named blob: resolve its length through the
// transport, reserve whole pages at or below the blob's address ceiling,
// copy the content in, zero the page slack, register the blob, rewrite
// its table identity if it has one, and measure the final bytes. On any
// failure the pages reserved here are released before returning; earlier
// allocations are the driver's rollback to undo.
func (in *interpreter) cmdAllocate(a *AllocateArgs) error {
	if !a.File.Terminated() {
		return fmt.Errorf("loader: allocate: malformed file name: %w", ErrFormat)
	}
	name := a.File.String()

	if a.Alignment > platform.PageSize {
		return fmt.Errorf("loader: allocate %q: alignment %#x exceeds page size: %w", name, a.Alignment, ErrUnsupported)
	}
	if a.Zone != 0 && a.Zone != ZoneHigh && a.Zone != ZoneFSeg {
		return fmt.Errorf("loader: allocate %q: unknown zone %d: %w", name, a.Zone, ErrUnsupported)
	}

	item, err := in.transport.Find(name)
	if err != nil {
		return fmt.Errorf("loader: allocate: %w", err)
	}

	maxAddr := uint64(math.MaxUint64)
	if in.restricted.Restricted(name) {
		maxAddr = math.MaxUint32
	}

	pages, err := in.alloc.Allocate(platform.PagesFor(item.Size), maxAddr)
	if err != nil {
		return fmt.Errorf("loader: allocate %q: %w", name, err)
	}

	buf := pages.Bytes()
	if err := in.transport.Read(item, buf[:item.Size]); err != nil {
		pages.Release()
		return fmt.Errorf("loader: allocate %q: %w", name, err)
	}
	clear(buf[item.Size:])

	blob := &Blob{Name: name, Size: item.Size, Pages: pages, TableData: true}
	if err := in.registry.Insert(blob); err != nil {
		pages.Release()
		return err
	}

	if in.rewriter.Rewrite(blob.Table()) {
		log.Debugf("allocate %q: table identity rewritten", name)
	}

	if err := in.sink.Record(measure.EventTableData, blob.Table()); err != nil {
		if in.abortOnMeasure {
			return fmt.Errorf("loader: measure %q: %w", name, err)
		}
		log.Warningf("measurement of %q failed, continuing: %s", name, err.Error())
	}

	log.Debugf("allocate file=%q alignment=%#x zone=%d size=%#x address=%#x",
		name, a.Alignment, a.Zone, blob.Size, pages.Base())
	return nil
}

// cmdAddPointer relocates a cross-blob reference: the pointer blob holds a
// little-endian offset into the pointee blob, and the command turns that
// offset into an absolute address by adding the pointee's base.
func (in *interpreter) cmdAddPointer(p *AddPointerArgs) error {
	if !p.PointerFile.Terminated() || !p.PointeeFile.Terminated() {
		return fmt.Errorf("loader: add-pointer: malformed file name: %w", ErrFormat)
	}

	ptrBlob := in.registry.Find(p.PointerFile.String())
	pointee := in.registry.Find(p.PointeeFile.String())
	if ptrBlob == nil || pointee == nil {
		return fmt.Errorf("loader: add-pointer %q/%q: reference to unallocated file: %w",
			p.PointerFile.String(), p.PointeeFile.String(), ErrFormat)
	}

	width := int(p.PointerSize)
	if width != 1 && width != 2 && width != 4 && width != 8 {
		return fmt.Errorf("loader: add-pointer in %q: invalid pointer size %d: %w", ptrBlob.Name, width, ErrFormat)
	}
	off := int64(p.PointerOffset)
	if off+int64(width) > int64(ptrBlob.Size) {
		return fmt.Errorf("loader: add-pointer in %q: field at %#x exceeds blob size %#x: %w",
			ptrBlob.Name, off, ptrBlob.Size, ErrFormat)
	}

	field := ptrBlob.Bytes()[off : off+int64(width)]
	value := readUint(field)
	if value >= uint64(pointee.Size) {
		return fmt.Errorf("loader: add-pointer in %q: offset %#x outside pointee %q: %w",
			ptrBlob.Name, value, pointee.Name, ErrFormat)
	}

	value += pointee.Pages.Base()
	if width < 8 && value>>(8*width) != 0 {
		// The restriction pre-pass keeps pointees of narrow fields below
		// the 32-bit ceiling, so a well-formed script never gets here.
		return fmt.Errorf("loader: add-pointer in %q: address %#x does not fit %d bytes: %w",
			ptrBlob.Name, value, width, ErrFormat)
	}
	putUint(field, value)

	log.Debugf("add-pointer pointer=%q pointee=%q offset=%#x size=%d value=%#x",
		ptrBlob.Name, pointee.Name, off, width, value)
	return nil
}

// cmdAddChecksum seals a range of one blob with the zero-sum checksum
// byte. The result byte itself lies inside the summed range in every
// script the host produces, starting out as zero.
func (in *interpreter) cmdAddChecksum(c *AddChecksumArgs) error {
	if !c.File.Terminated() {
		return fmt.Errorf("loader: add-checksum: malformed file name: %w", ErrFormat)
	}

	blob := in.registry.Find(c.File.String())
	if blob == nil {
		return fmt.Errorf("loader: add-checksum %q: reference to unallocated file: %w", c.File.String(), ErrFormat)
	}

	resultOff := int64(c.ResultOffset)
	start := int64(c.Start)
	length := int64(c.Length)
	if resultOff+1 > int64(blob.Size) || start+length > int64(blob.Size) {
		return fmt.Errorf("loader: add-checksum %q: range [%#x,%#x) or result %#x exceeds blob size %#x: %w",
			blob.Name, start, start+length, resultOff, blob.Size, ErrFormat)
	}

	data := blob.Bytes()
	data[resultOff] = acpi.Checksum8(data[start : start+length])

	log.Debugf("add-checksum file=%q result=%#x start=%#x length=%#x",
		blob.Name, resultOff, start, length)
	return nil
}

// cmdWritePointer publishes a blob address back to the host: it stores
// the pointee's address plus an offset into a writable transport file.
// The write is logged for undo, and the pointee stops being pure table
// data because the host now references it directly.
func (in *interpreter) cmdWritePointer(w *WritePointerArgs) error {
	if !w.PointerFile.Terminated() || !w.PointeeFile.Terminated() {
		return fmt.Errorf("loader: write-pointer: malformed file name: %w", ErrFormat)
	}

	item, err := in.transport.Find(w.PointerFile.String())
	if err != nil {
		return fmt.Errorf("loader: write-pointer: %w", err)
	}
	pointee := in.registry.Find(w.PointeeFile.String())
	if pointee == nil {
		return fmt.Errorf("loader: write-pointer %q: reference to unallocated file: %w", w.PointeeFile.String(), ErrFormat)
	}

	width := int(w.PointerSize)
	if width != 1 && width != 2 && width != 4 && width != 8 {
		return fmt.Errorf("loader: write-pointer to %q: invalid pointer size %d: %w", item.Name, width, ErrFormat)
	}
	off := int64(w.PointerOffset)
	if off+int64(width) > int64(item.Size) {
		return fmt.Errorf("loader: write-pointer to %q: field at %#x exceeds file size %#x: %w",
			item.Name, off, item.Size, ErrFormat)
	}
	if int64(w.PointeeOffset) > int64(pointee.Size) {
		return fmt.Errorf("loader: write-pointer to %q: offset %#x outside pointee %q: %w",
			item.Name, w.PointeeOffset, pointee.Name, ErrFormat)
	}

	value := pointee.Pages.Base() + uint64(w.PointeeOffset)
	if width < 8 && value>>(8*width) != 0 {
		return fmt.Errorf("loader: write-pointer to %q: address %#x does not fit %d bytes: %w",
			item.Name, value, width, ErrFormat)
	}

	field := make([]byte, width)
	putUint(field, value)
	if err := in.transport.Write(item, int(off), field); err != nil {
		return fmt.Errorf("loader: write-pointer: %w", err)
	}
	in.writes = append(in.writes, pointerWrite{item: item, off: int(off), width: width})
	pointee.TableData = false

	log.Debugf("write-pointer file=%q pointee=%q offset=%#x size=%d value=%#x",
		item.Name, pointee.Name, off, width, value)
	return nil
}

// undoWrites zeroes every pointer this run published to the transport, in
// reverse order. The addresses being rolled back are about to become
// dangling; zero is the only value that cannot be mistaken for one.
func (in *interpreter) undoWrites() {
	for i := len(in.writes) - 1; i >= 0; i-- {
		w := in.writes[i]
		if err := in.transport.Write(w.item, w.off, make([]byte, w.width)); err != nil {
			log.Errorf("undo write-pointer to %q at %#x: %s", w.item.Name, w.off, err.Error())
		}
	}
	in.writes = nil
}

// readUint and putUint move little-endian values of pointer width 1, 2, 4
// or 8 between blob memory and uint64.
func readUint(field []byte) uint64 {
	switch len(field) {
	case 1:
		return uint64(field[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(field))
	case 4:
		return uint64(binary.LittleEndian.Uint32(field))
	default:
		return binary.LittleEndian.Uint64(field)
	}
}

func putUint(field []byte, value uint64) {
	switch len(field) {
	case 1:
		field[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(field, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(field, uint32(value))
	default:
		binary.LittleEndian.PutUint64(field, value)
	}
}
