package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/hotplug"
	"github.com/driverkit/driverkit/loader"
	"github.com/driverkit/driverkit/manifest"
	"github.com/driverkit/driverkit/metrics"
	"github.com/driverkit/driverkit/recovery"
	"github.com/driverkit/driverkit/registry"
	"github.com/driverkit/driverkit/supervisor"
	"github.com/driverkit/driverkit/wasmimage"
)

func main() {
	var (
		manifestDir = flag.String("manifests", "", "Directory of module manifests (*.yaml)")
		binds       = flag.String("bind", "", "Bus to driver bindings (usb=net0@0.3.1,pci=gpu@1.0.0)")
		events      = flag.String("events", "", "Hot-plug events to simulate (attach:usb:1-2,detach:usb:1-2)")
		snapshot    = flag.String("snapshot", "", "Path to the recovery pattern snapshot database")
		metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9090)")
		verbose     = flag.Bool("v", false, "Verbose logging")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *manifestDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: driverkit -manifests <dir> [-bind bus=module,...] [-events ev,...]")
		fmt.Fprintln(os.Stderr, "       driverkit -manifests <dir> -i  (interactive mode)")
		os.Exit(1)
	}

	if err := run(*manifestDir, *binds, *events, *snapshot, *metricsAddr, *verbose, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestDir, binds, events, snapshot, metricsAddr string, verbose, interactive bool) error {
	ctx := context.Background()

	log := zap.NewNop()
	if verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer log.Sync()
	}

	reg := registry.New(registry.WithLogger(log))
	det := hotplug.New(hotplug.WithLogger(log))
	mgr := loader.New(reg, loader.WithLogger(log))

	advOpts := []recovery.Option{recovery.WithLogger(log)}
	var store *recovery.Store
	if snapshot != "" {
		store = recovery.NewStore(snapshot, recovery.WithStoreLogger(log))
		advOpts = append(advOpts, recovery.WithStore(store))
	}
	adv := recovery.New(advOpts...)
	if store != nil {
		if err := adv.Restore(ctx); err != nil {
			return fmt.Errorf("restore patterns: %w", err)
		}
	}

	sup := supervisor.New(reg, det, mgr, adv, supervisor.WithLogger(log))

	if err := loadManifests(ctx, mgr, manifestDir); err != nil {
		return err
	}
	if err := applyBindings(sup, binds); err != nil {
		return err
	}

	if metricsAddr != "" {
		promReg := prometheus.NewRegistry()
		if err := promReg.Register(metrics.New(reg, det, mgr, adv)); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(ctx, reg, det, mgr, adv, sup)
	}

	if err := injectEvents(det, events); err != nil {
		return err
	}
	if err := sup.Step(ctx); err != nil {
		fmt.Printf("Recovery actions taken; some devices failed to bind:\n  %v\n", err)
	}

	printStats(reg, det, mgr, adv)

	if store != nil {
		if err := adv.Snapshot(ctx); err != nil {
			return fmt.Errorf("snapshot patterns: %w", err)
		}
	}
	return nil
}

// loadManifests registers every *.yaml manifest in dir. A manifest naming a
// wasm image gets its export list from the compiled image instead of the
// manifest text.
func loadManifests(ctx context.Context, mgr *loader.Manager, dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no manifests found in %s", dir)
	}
	sort.Strings(paths)

	for _, path := range paths {
		man, err := manifest.Load(path)
		if err != nil {
			return err
		}
		if man.Image != "" {
			src, err := wasmimage.Open(ctx, filepath.Join(dir, man.Image))
			if err != nil {
				return fmt.Errorf("manifest %s: %w", path, err)
			}
			man.Exports = src.Exports()
			src.Close(ctx)
		}
		id, err := mgr.RegisterManifest(man, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (%d exports, %d requires)\n", id, len(man.Exports), len(man.Requires))
	}
	return nil
}

func applyBindings(sup *supervisor.Supervisor, binds string) error {
	if binds == "" {
		return nil
	}
	for _, pair := range strings.Split(binds, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad binding %q, want bus=module", pair)
		}
		bus, err := parseBus(parts[0])
		if err != nil {
			return err
		}
		sup.BindDriver(bus, driverkit.ModuleID(parts[1]))
	}
	return nil
}

// injectEvents feeds a simulated event stream into the detector. Events use
// the form kind:bus:device, e.g. "attach:usb:1-2".
func injectEvents(det *hotplug.Detector, events string) error {
	if events == "" {
		return nil
	}
	for _, ev := range strings.Split(events, ",") {
		parts := strings.SplitN(ev, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("bad event %q, want kind:bus:device", ev)
		}
		bus, err := parseBus(parts[1])
		if err != nil {
			return err
		}
		desc := hotplug.DeviceDescriptor{
			Device:       hotplug.DeviceID(parts[1] + ":" + parts[2]),
			Bus:          bus,
			Capabilities: hotplug.CapHotPluggable,
			Strategy:     hotplug.Interrupt,
		}
		switch parts[0] {
		case "attach":
			det.OnDeviceEvent(desc, hotplug.Attached)
		case "detach":
			det.OnDeviceEvent(desc, hotplug.Detached)
		default:
			return fmt.Errorf("bad event kind %q", parts[0])
		}
	}
	return nil
}

func parseBus(name string) (hotplug.BusType, error) {
	for b := hotplug.USB; b <= hotplug.Virtual; b++ {
		if b.String() == name {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown bus %q", name)
}

func printStats(reg *registry.Registry, det *hotplug.Detector, mgr *loader.Manager, adv *recovery.Advisor) {
	fmt.Printf("\nModules:\n")
	for _, mod := range mgr.Modules() {
		fmt.Printf("  %-24s %-10s exports=%d imports=%d\n", mod.ID, mod.State, len(mod.Exports), len(mod.Imports))
	}

	fmt.Printf("\nDevices:\n")
	devs := det.Devices()
	sort.Slice(devs, func(i, j int) bool { return devs[i].Desc.Device < devs[j].Desc.Device })
	for _, dev := range devs {
		bound := string(dev.BoundModule)
		if bound == "" {
			bound = "-"
		}
		fmt.Printf("  %-16s %-10s bound=%s\n", dev.Desc.Device, dev.State, bound)
	}

	rs := reg.Stats()
	ds := det.Stats()
	as := adv.Stats()
	fmt.Printf("\nResources: %d tracked, %d pending cleanup, %d leaked\n", rs.Total, rs.Pending, rs.Leaked)
	fmt.Printf("Events:    %d processed, %d dropped\n", ds.Processed, ds.Dropped)
	fmt.Printf("Recovery:  %d patterns, %d reports, %d escalations\n", as.Patterns, as.Reports, as.Escalations)
}
