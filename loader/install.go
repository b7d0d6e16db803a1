package loader

import (
	"fmt"

	"github.com/qemufw/tableloader/acpi"
	"github.com/qemufw/tableloader/fwcfg"
	"github.com/qemufw/tableloader/measure"
	"github.com/qemufw/tableloader/platform"
)

const (
	// ScriptFileName is where the host publishes the loader script.
	ScriptFileName = "etc/table-loader"

	// DefaultMaxTables caps registrations per run.
	DefaultMaxTables = 128
)

// TableService accepts a finished table and returns a handle for it.
// Ownership of the table's memory passes to the service on success.
type TableService interface {
	Install(table []byte) (handle uint64, err error)
}

// InstalledTable describes one registered table.
type InstalledTable struct {
	Name    string
	Handle  uint64
	Address uint64
	Size    int
}

// Installer orchestrates one run: fetch the script, compute allocation
// restrictions, interpret the commands, then register every table-flagged
// blob. It runs once per boot on a single thread of control; none of its
// state is shared.
type Installer struct {
	transport fwcfg.Transport
	alloc     platform.PageAllocator
	tables    TableService

	sink           measure.Sink
	profile        acpi.Profile
	scriptName     string
	maxTables      int
	abortOnMeasure bool
}

// Option configures an Installer.
type Option func(*Installer)

// WithProfile sets the identity replacement profile.
func WithProfile(p acpi.Profile) Option {
	return func(ins *Installer) { ins.profile = p }
}

// WithScriptName overrides the transport name of the loader script.
func WithScriptName(name string) Option {
	return func(ins *Installer) { ins.scriptName = name }
}

// WithMaxTables caps the number of table registrations per run.
func WithMaxTables(n int) Option {
	return func(ins *Installer) { ins.maxTables = n }
}

// WithMeasurementSink routes blob measurements to sink.
func WithMeasurementSink(sink measure.Sink) Option {
	return func(ins *Installer) { ins.sink = sink }
}

// WithAbortOnMeasureError makes measurement failures fatal to the run.
// The default treats measurement as best-effort.
func WithAbortOnMeasureError(abort bool) Option {
	return func(ins *Installer) { ins.abortOnMeasure = abort }
}

func NewInstaller(transport fwcfg.Transport, alloc platform.PageAllocator, tables TableService, opts ...Option) *Installer {
	ins := &Installer{
		transport:  transport,
		alloc:      alloc,
		tables:     tables,
		sink:       measure.Discard{},
		profile:    acpi.DefaultProfile,
		scriptName: ScriptFileName,
		maxTables:  DefaultMaxTables,
	}
	for _, opt := range opts {
		opt(ins)
	}
	return ins
}

// Install executes the whole sequence and returns the registered tables.
// Any error aborts the run: pointer writes published to the transport are
// zeroed back and every page range this run still owns is released. Page
// ranges already handed to the table service are never touched. After a
// successful return, all blob memory has left the run's ownership.
func (ins *Installer) Install() ([]InstalledTable, error) {
	item, err := ins.transport.Find(ins.scriptName)
	if err != nil {
		return nil, fmt.Errorf("loader: loader script unavailable: %w", err)
	}
	script := make([]byte, item.Size)
	if err := ins.transport.Read(item, script); err != nil {
		return nil, fmt.Errorf("loader: loader script unavailable: %w", err)
	}

	cmds, err := DecodeScript(script)
	if err != nil {
		return nil, err
	}

	// The restriction set is a whole-script property and must exist in
	// full before the first allocation.
	restricted, err := CollectRestrictions(cmds)
	if err != nil {
		return nil, err
	}

	in := &interpreter{
		transport:      ins.transport,
		alloc:          ins.alloc,
		sink:           ins.sink,
		rewriter:       acpi.NewRewriter(ins.profile),
		abortOnMeasure: ins.abortOnMeasure,
		registry:       NewRegistry(),
		restricted:     restricted,
	}
	if err := in.run(cmds); err != nil {
		in.undoWrites()
		in.registry.ReleaseAll()
		return nil, err
	}

	// Interpretation succeeded: every blob is linked and may be referenced
	// by address from other blobs or from the host, so all page ranges now
	// outlive this run, table-flagged or not.
	in.registry.Walk(func(b *Blob) error {
		b.Pages.Commit()
		return nil
	})

	var installed []InstalledTable
	err = in.registry.Walk(func(b *Blob) error {
		if !b.TableData {
			return nil
		}
		if len(installed) >= ins.maxTables {
			return fmt.Errorf("loader: more than %d tables in script: %w", ins.maxTables, platform.ErrOutOfResources)
		}
		handle, err := ins.tables.Install(b.Table())
		if err != nil {
			return fmt.Errorf("loader: install table %q: %w", b.Name, err)
		}
		installed = append(installed, InstalledTable{
			Name:    b.Name,
			Handle:  handle,
			Address: b.Pages.Base(),
			Size:    b.Size,
		})
		log.Infof("installed table %q address=%#x size=%#x handle=%d", b.Name, b.Pages.Base(), b.Size, handle)
		return nil
	})
	if err != nil {
		// Registration failure after partial installs is not recoverable
		// at this layer; surface it without freeing anything.
		return nil, err
	}

	log.Infof("installed %d tables from %q", len(installed), ins.scriptName)
	return installed, nil
}
