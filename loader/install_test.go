package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/qemufw/tableloader/acpi"
	"github.com/qemufw/tableloader/fwcfg"
	"github.com/qemufw/tableloader/measure"
	"github.com/qemufw/tableloader/platform"
)

func TestInstallRewritesAndChecksums(t *testing.T) {
	e := newEnv()
	e.store.Add("etc/acpi/apic", makeTable("APIC", 48))

	eventLog := measure.NewEventLog()
	installed, err := e.install(
		[]Command{allocCmd(t, "etc/acpi/apic")},
		WithMeasurementSink(eventLog),
	)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(installed) != 1 || len(e.svc.tables) != 1 {
		t.Fatalf("installed %d/%d tables, want 1", len(installed), len(e.svc.tables))
	}

	table := e.svc.tables[0]
	if got := string(table[10:16]); got != "DELL  " {
		t.Errorf("oem id = %q, want \"DELL  \"", got)
	}
	if got := string(table[16:24]); got != "R740    " {
		t.Errorf("oem table id = %q, want \"R740    \"", got)
	}
	if !acpi.SumValid(table) {
		t.Error("installed table does not sum to zero")
	}

	// Measurement must reflect the rewritten content, not the download.
	events := eventLog.Events()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	if events[0].Digest != sha256.Sum256(table) {
		t.Error("measured digest differs from the installed table")
	}
}

func TestInstallScriptUnavailable(t *testing.T) {
	e := newEnv()
	ins := NewInstaller(e.store, e.alloc, e.svc)

	_, err := ins.Install()
	if !errors.Is(err, fwcfg.ErrNotFound) {
		t.Errorf("err = %v, want fwcfg.ErrNotFound", err)
	}
	if len(e.svc.tables) != 0 {
		t.Errorf("%d tables installed, want 0", len(e.svc.tables))
	}
}

func TestInstallLinksPointers(t *testing.T) {
	e := newEnv()
	rsdp := make([]byte, 64)
	binary.LittleEndian.PutUint32(rsdp[16:], 8) // offset into the pointee
	e.store.Add("etc/acpi/rsdp", rsdp)
	e.store.Add("etc/acpi/tables", makeTable("XSDT", 44))

	installed, err := e.install([]Command{
		allocCmd(t, "etc/acpi/tables"),
		allocCmd(t, "etc/acpi/rsdp"),
		addPointerCmd(t, "etc/acpi/rsdp", "etc/acpi/tables", 16, 4),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	var tablesAddr, rsdpAddr uint64
	for _, tbl := range installed {
		switch tbl.Name {
		case "etc/acpi/tables":
			tablesAddr = tbl.Address
		case "etc/acpi/rsdp":
			rsdpAddr = tbl.Address
		}
	}

	// The 4-byte patch restricts the pointee to the 32-bit range; the
	// pointer blob itself has no such constraint.
	if tablesAddr > math.MaxUint32 {
		t.Errorf("pointee at %#x, want below the 32-bit ceiling", tablesAddr)
	}
	if rsdpAddr <= math.MaxUint32 {
		t.Errorf("pointer blob at %#x, expected the high region", rsdpAddr)
	}

	// installed[1] is the rsdp blob copy the service received.
	patched := binary.LittleEndian.Uint32(e.svc.tables[1][16:])
	if want := uint32(tablesAddr + 8); patched != want {
		t.Errorf("patched field = %#x, want %#x", patched, want)
	}
}

func TestInstallChecksumCommand(t *testing.T) {
	e := newEnv()
	blob := make([]byte, 16)
	for i := range blob {
		blob[i] = byte(i)
	}
	blob[0] = 0 // checksum slot
	e.store.Add("etc/acpi/tables", blob)

	_, err := e.install([]Command{
		allocCmd(t, "etc/acpi/tables"),
		addChecksumCmd(t, "etc/acpi/tables", 0, 0, 16),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !acpi.SumValid(e.svc.tables[0]) {
		t.Error("sealed range does not sum to zero")
	}
}

func TestInstallWritePointer(t *testing.T) {
	e := newEnv()
	e.store.AddWritable("etc/hardware-info", make([]byte, 16))
	e.store.Add("etc/acpi/nvs", make([]byte, 128))
	e.store.Add("etc/acpi/apic", makeTable("APIC", 48))

	installed, err := e.install([]Command{
		allocCmd(t, "etc/acpi/apic"),
		allocCmd(t, "etc/acpi/nvs"),
		writePointerCmd(t, "etc/hardware-info", "etc/acpi/nvs", 0, 4, 8),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	// The host-referenced blob is no longer table data and must not be
	// registered; the plain table still is.
	if len(installed) != 1 || installed[0].Name != "etc/acpi/apic" {
		t.Fatalf("installed = %+v, want only etc/acpi/apic", installed)
	}

	contents, _ := e.store.Contents("etc/hardware-info")
	written := binary.LittleEndian.Uint64(contents)
	if written == 0 {
		t.Fatal("write-pointer target still zero")
	}
	// The stored address is pointee base + 4; the unrestricted pointee
	// lives in the high region.
	if written-4 <= math.MaxUint32 {
		t.Errorf("pointee address %#x, expected the high region", written-4)
	}
}

func TestInstallWritePointerUndoneOnAbort(t *testing.T) {
	e := newEnv()
	e.store.AddWritable("etc/hardware-info", make([]byte, 16))
	e.store.Add("etc/acpi/nvs", make([]byte, 128))

	_, err := e.install([]Command{
		allocCmd(t, "etc/acpi/nvs"),
		writePointerCmd(t, "etc/hardware-info", "etc/acpi/nvs", 0, 0, 8),
		allocCmd(t, "etc/acpi/missing"), // aborts the run
	})
	if !errors.Is(err, fwcfg.ErrNotFound) {
		t.Fatalf("err = %v, want fwcfg.ErrNotFound", err)
	}

	contents, _ := e.store.Contents("etc/hardware-info")
	if !bytes.Equal(contents, make([]byte, 16)) {
		t.Errorf("write-pointer target = % x, want all zero after undo", contents)
	}
	if e.alloc.Live() != 0 {
		t.Errorf("%d page ranges still reserved after abort, want 0", e.alloc.Live())
	}
}

func TestInstallWritePointerReadOnlyTarget(t *testing.T) {
	e := newEnv()
	e.store.Add("etc/hardware-info", make([]byte, 16))
	e.store.Add("etc/acpi/nvs", make([]byte, 128))

	_, err := e.install([]Command{
		allocCmd(t, "etc/acpi/nvs"),
		writePointerCmd(t, "etc/hardware-info", "etc/acpi/nvs", 0, 0, 8),
	})
	if !errors.Is(err, fwcfg.ErrReadOnly) {
		t.Errorf("err = %v, want fwcfg.ErrReadOnly", err)
	}
}

func TestInstallTableLimit(t *testing.T) {
	e := newEnv()
	e.store.Add("etc/acpi/a", makeTable("SSDT", 40))
	e.store.Add("etc/acpi/b", makeTable("SSDT", 40))
	e.store.Add("etc/acpi/c", makeTable("SSDT", 40))

	_, err := e.install([]Command{
		allocCmd(t, "etc/acpi/a"),
		allocCmd(t, "etc/acpi/b"),
		allocCmd(t, "etc/acpi/c"),
	}, WithMaxTables(2))
	if !errors.Is(err, platform.ErrOutOfResources) {
		t.Errorf("err = %v, want platform.ErrOutOfResources", err)
	}
	// Registration failures never free pages; ownership is ambiguous by
	// then.
	if e.alloc.Live() != 3 {
		t.Errorf("%d live ranges, want 3", e.alloc.Live())
	}
}

func TestInstallServiceFailureSurfaced(t *testing.T) {
	e := newEnv()
	e.svc.failAt = 2
	e.store.Add("etc/acpi/a", makeTable("SSDT", 40))
	e.store.Add("etc/acpi/b", makeTable("SSDT", 40))

	_, err := e.install([]Command{
		allocCmd(t, "etc/acpi/a"),
		allocCmd(t, "etc/acpi/b"),
	})
	if err == nil {
		t.Fatal("Install succeeded despite a failing table service")
	}
	if e.alloc.Live() != 2 {
		t.Errorf("%d live ranges, want 2 (nothing freed mid-registration)", e.alloc.Live())
	}
}

func TestInstallMeasurementPolicy(t *testing.T) {
	e := newEnv()
	e.store.Add("etc/acpi/apic", makeTable("APIC", 48))

	// Best-effort by default: a failing sink does not abort the run.
	installed, err := e.install([]Command{allocCmd(t, "etc/acpi/apic")}, WithMeasurementSink(failSink{}))
	if err != nil {
		t.Fatalf("Install with failing sink: %v", err)
	}
	if len(installed) != 1 {
		t.Errorf("installed %d tables, want 1", len(installed))
	}

	// The policy flag makes the same failure fatal.
	e = newEnv()
	e.store.Add("etc/acpi/apic", makeTable("APIC", 48))
	_, err = e.install([]Command{allocCmd(t, "etc/acpi/apic")},
		WithMeasurementSink(failSink{}),
		WithAbortOnMeasureError(true),
	)
	if err == nil {
		t.Fatal("Install succeeded despite abort-on-measure-error")
	}
	if e.alloc.Live() != 0 {
		t.Errorf("%d live ranges after abort, want 0", e.alloc.Live())
	}
}

func TestInstallZeroFillsPageSlack(t *testing.T) {
	e := newEnv()
	// A blob that does not fill its page; the slack past its size must
	// read as zero even though checksum commands may cover it.
	e.store.Add("etc/acpi/tables", makeTable("DSDT", 100))

	_, err := e.install([]Command{allocCmd(t, "etc/acpi/tables")})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := len(e.svc.tables[0]); got != 100 {
		t.Errorf("registered %d bytes, want the blob's 100", got)
	}
}

func TestInstallCustomProfileAndScriptName(t *testing.T) {
	e := newEnv()
	e.store.Add("opt/acpi/apic", makeTable("APIC", 48))
	e.store.Add("opt/loader", EncodeScript([]Command{allocCmd(t, "opt/acpi/apic")}))

	ins := NewInstaller(e.store, e.alloc, e.svc,
		WithScriptName("opt/loader"),
		WithProfile(acpi.Profile{OEMID: "ACME", OEMTableID: "ROCKET", CreatorID: "GOGO", OEMRevision: 3}),
	)
	if _, err := ins.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := string(e.svc.tables[0][10:16]); got != "ACME  " {
		t.Errorf("oem id = %q, want \"ACME  \"", got)
	}
}
