// tableloader - run a table-loader script against a directory of fw_cfg
// files and emit the installed tables.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/qemufw/tableloader/acpi"
	"github.com/qemufw/tableloader/config"
	"github.com/qemufw/tableloader/fwcfg"
	"github.com/qemufw/tableloader/loader"
	"github.com/qemufw/tableloader/measure"
	"github.com/qemufw/tableloader/platform"
)

func main() {
	fwcfgDir := flag.String("fwcfg", "", "Directory of fw_cfg files; each file's relative path is its name")
	scriptName := flag.String("script", loader.ScriptFileName, "fw_cfg name of the loader script")
	configPath := flag.String("config", "", "Path to tableloader.toml")
	outDir := flag.String("out", "", "Directory to write installed tables into")
	measureLog := flag.String("measure-log", "", "Path to write the CBOR measurement log")
	writable := flag.String("writable", "", "Comma-separated fw_cfg names to treat as host-writable")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tableloader -fwcfg DIR [options]\n\n")
		fmt.Fprintf(os.Stderr, "Interprets a table-loader script, links and rewrites the referenced\n")
		fmt.Fprintf(os.Stderr, "blobs, and installs the resulting tables.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tableloader -fwcfg ./fwcfg -out ./tables\n")
		fmt.Fprintf(os.Stderr, "  tableloader -fwcfg ./fwcfg -config tableloader.toml -measure-log events.cbor\n")
	}
	flag.Parse()

	if *fwcfgDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	verbosity := cfg.Log.Verbosity
	if *verbose && verbosity < 2 {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	store, err := loadStore(*fwcfgDir, splitNames(*writable))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	eventLog := measure.NewEventLog()
	service := &tableDir{dir: *outDir}

	ins := loader.NewInstaller(store, platform.NewArenaAllocator(), service,
		loader.WithProfile(cfg.ACPIProfile()),
		loader.WithMaxTables(cfg.Limits.MaxTables),
		loader.WithScriptName(*scriptName),
		loader.WithMeasurementSink(eventLog),
		loader.WithAbortOnMeasureError(cfg.Measurement.AbortOnError),
	)

	installed, err := ins.Install()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, tbl := range installed {
		fmt.Printf("%-28s address=%#012x size=%#8x handle=%d\n", tbl.Name, tbl.Address, tbl.Size, tbl.Handle)
	}

	if *measureLog != "" {
		data, err := eventLog.Marshal()
		if err == nil {
			err = os.WriteFile(*measureLog, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing measurement log: %v\n", err)
			os.Exit(1)
		}
	}
}

func splitNames(s string) map[string]bool {
	names := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names[name] = true
		}
	}
	return names
}

// loadStore builds an in-memory fw_cfg store from a directory tree.
func loadStore(dir string, writable map[string]bool) (*fwcfg.Store, error) {
	store := fwcfg.NewStore()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if writable[name] {
			store.AddWritable(name, data)
		} else {
			store.Add(name, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading fw_cfg dir %s: %w", dir, err)
	}
	return store, nil
}

// tableDir installs tables by writing them into a directory. With no
// directory it just hands out handles.
type tableDir struct {
	dir string
	n   int
}

func (t *tableDir) Install(table []byte) (uint64, error) {
	t.n++
	handle := uint64(t.n)
	if t.dir == "" {
		return handle, nil
	}

	sig := "table"
	if hdr, ok := acpi.ParseHeader(table); ok {
		sig = strings.ToLower(strings.TrimSpace(string(hdr.Signature[:])))
	}
	path := filepath.Join(t.dir, fmt.Sprintf("%s-%d.bin", sig, t.n))
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, table, 0o644); err != nil {
		return 0, err
	}
	return handle, nil
}
