// trtengine_registry inspects and maintains a directory of compiled engines
// and its registry file.
//
// Usage: trtengine_registry [flags] [engines_dir]
//
// The directory can also be given with $TRTENGINE_DIR. Without mode flags it
// defaults to -list.
package main

import (
	"flag"
	"fmt"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/trtengine/engine"
	"github.com/gomlx/trtengine/profiles"
	"github.com/gomlx/trtengine/registry"
	"github.com/gomlx/trtengine/trt"
	_ "github.com/gomlx/trtengine/trt/trttest" // In-memory toolchain; vendor builds swap this import.
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// EnvDir is the environment variable with the default engines directory.
const EnvDir = "TRTENGINE_DIR"

var (
	flagList = flag.Bool("list", false, "Lists the registered engine variants per model. "+
		"This is the default when no other mode is selected.")
	flagReconcile = flag.Bool("reconcile", false, "Drops registry entries whose engine artifact "+
		"no longer exists on disk and persists the pruned registry.")
	flagInfo = flag.String("info", "", "Model name whose engine artifacts to deserialize and describe "+
		"(bindings and accepted shapes per optimization profile).")
	flagVerify = flag.Bool("verify", false, "Deserializes every registered artifact through the "+
		"toolchain to check they load cleanly.")
	flagCC = flag.String("cc", "", "Compute capability to partition the registry on, formatted as "+
		"\"<major>.<minor>\" (e.g. \"8.6\"). Defaults to asking the toolchain for the device's value.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'trtengine_registry -help'.")
		os.Exit(1)
	}
	dir := os.Getenv(EnvDir)
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		klog.Errorf("Missing engines directory: pass it as the only argument or set $%s. "+
			"See 'trtengine_registry -help'.", EnvDir)
		os.Exit(1)
	}
	report(dir)
}

var (
	headerRowStyle = lipgloss.NewStyle().Bold(true).Reverse(true).
			Padding(0, 1, 0, 1).Align(lipgloss.Center)

	baseRowStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	dimRowStyle  = baseRowStyle.Foreground(lipgloss.Color("245"))

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 2, 1, 2)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("63"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == 1:
				s = headerRowStyle
			case row%2 == 0:
				s = dimRowStyle
			default:
				s = baseRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(dir string) {
	if !*flagList && !*flagReconcile && *flagInfo == "" && !*flagVerify {
		*flagList = true
	}

	var toolchain trt.Toolchain
	if *flagCC == "" || *flagInfo != "" || *flagVerify {
		toolchain = must.M1(trt.New())
		defer toolchain.Finalize()
	}
	reg := registry.New(dir, ccTag(toolchain))
	must.M(reg.Load())

	if *flagReconcile {
		reconcile(reg)
	}
	if *flagList {
		list(reg)
	}
	if *flagInfo != "" {
		info(reg, toolchain, *flagInfo)
	}
	if *flagVerify {
		verify(reg, toolchain)
	}
}

// ccTag resolves the compute capability tag from -cc, falling back to the
// toolchain's device.
func ccTag(toolchain trt.Toolchain) string {
	if *flagCC == "" {
		return registry.CCTag(toolchain.ComputeCapability())
	}
	majorStr, minorStr, found := strings.Cut(*flagCC, ".")
	if !found {
		klog.Errorf("Invalid -cc=%q, expected \"<major>.<minor>\" (e.g. \"8.6\").", *flagCC)
		os.Exit(1)
	}
	major, errMajor := strconv.Atoi(majorStr)
	minor, errMinor := strconv.Atoi(minorStr)
	if errMajor != nil || errMinor != nil {
		klog.Errorf("Invalid -cc=%q, expected \"<major>.<minor>\" (e.g. \"8.6\").", *flagCC)
		os.Exit(1)
	}
	return registry.CCTag(major, minor)
}

func list(reg *registry.Registry) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Engines in %s (%s)", reg.Dir(), reg.CC())))
	table := newPlainTable()
	table.Row("Model", "Artifact", "Sample Profile", "Precision", "Flags", "Size")
	for _, name := range reg.BaseModels() {
		for _, entry := range reg.Lookup(name) {
			table.Row(name, entry.Filepath, sampleProfile(entry.Config),
				precision(entry.Config), entryFlags(entry), artifactSize(reg, entry))
		}
	}
	fmt.Println(table.Render())
}

func sampleProfile(config registry.Config) string {
	p, found := config.Profile[profiles.InputSample]
	if !found {
		return "-"
	}
	return p.String()
}

func precision(config registry.Config) string {
	if config.FP32 {
		return "fp32"
	}
	return "fp16"
}

func entryFlags(entry registry.Entry) string {
	var parts []string
	if entry.Config.BaselineModel != "" {
		parts = append(parts, entry.Config.BaselineModel)
	}
	if entry.Config.StaticShapes {
		parts = append(parts, "static")
	}
	if entry.Config.Inpaint {
		parts = append(parts, "inpaint")
	}
	if entry.Config.Refit {
		parts = append(parts, "refit")
	}
	if entry.Config.LoRA {
		parts = append(parts, "lora")
	}
	if entry.IsAdapter() {
		parts = append(parts, "base="+entry.BaseModel)
	}
	if entry.Config.VRAM > 0 {
		parts = append(parts, "vram="+humanize.Bytes(uint64(entry.Config.VRAM)))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func artifactSize(reg *registry.Registry, entry registry.Entry) string {
	fi, err := os.Stat(reg.ArtifactPath(entry))
	if err != nil {
		return "missing!"
	}
	return humanize.Bytes(uint64(fi.Size()))
}

func reconcile(reg *registry.Registry) {
	before := countEntries(reg)
	must.M(reg.Reconcile())
	after := countEntries(reg)
	if dropped := before - after; dropped > 0 {
		fmt.Printf("Dropped %d stale entries, %d remaining.\n", dropped, after)
	} else {
		fmt.Printf("All %d entries have their artifact in place.\n", after)
	}
}

func countEntries(reg *registry.Registry) int {
	var total int
	for _, entries := range reg.Entries() {
		total += len(entries)
	}
	return total
}

func info(reg *registry.Registry, toolchain trt.Toolchain, modelName string) {
	entries := reg.Lookup(modelName)
	if len(entries) == 0 {
		klog.Errorf("No engines registered for model %q under %s.", modelName, reg.CC())
		os.Exit(1)
	}
	fmt.Println(titleStyle.Render("Engines for " + modelName))
	for _, entry := range entries {
		path := reg.ArtifactPath(entry)
		eng := engine.New(path, toolchain)
		if err := eng.Load(); err != nil {
			klog.Errorf("Failed to load %q: %+v", path, err)
			continue
		}
		fmt.Println(eng)
		eng.Close()
	}
}

func verify(reg *registry.Registry, toolchain trt.Toolchain) {
	var paths []string
	for _, entries := range reg.Entries() {
		for _, entry := range entries {
			paths = append(paths, reg.ArtifactPath(entry))
		}
	}
	// Adapter entries may point at their base artifact.
	slices.Sort(paths)
	paths = slices.Compact(paths)

	bar := progressbar.Default(int64(len(paths)), "verifying")
	var group errgroup.Group
	group.SetLimit(max(runtime.GOMAXPROCS(0)-1, 1))
	for _, path := range paths {
		group.Go(func() error {
			eng := engine.New(path, toolchain)
			if err := eng.Load(); err != nil {
				return err
			}
			eng.Close()
			_ = bar.Add(1)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		_ = bar.Finish()
		klog.Errorf("Verification failed: %+v", err)
		os.Exit(1)
	}
	_ = bar.Finish()
	fmt.Printf("OK: %d artifacts deserialize cleanly.\n", len(paths))
}
