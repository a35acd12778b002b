package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/mode"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
)

var (
	installTarget      string
	installSource      string
	installURL         string
	installSystem      int
	installIndex       int
	installEnvironment int
	installBootMode    string
	installOpts        = orchestrator.DefaultInstallOptions()
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a Windows image onto a partition",
	Long: `Install a Windows image onto a partition. The image is taken from:
  --source <path>   A local WIM, ESD or GHO file
  --url <url>       A URL, downloaded first
  --system N        System image N from the catalog, downloaded first
Installing onto the running system's partition hands the work to the
recovery environment, which runs it after a reboot.`,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	f := installCmd.Flags()
	f.StringVar(&installTarget, "target", "", "Partition to install onto (e.g. D:)")
	f.StringVar(&installSource, "source", "", "Local image file")
	f.StringVar(&installURL, "url", "", "Image URL")
	f.IntVar(&installSystem, "system", -1, "Catalog system image index")
	f.IntVar(&installIndex, "index", 1, "Image volume index")
	f.IntVar(&installEnvironment, "environment", -1, "Catalog recovery environment index (defaults to the first)")
	f.StringVar(&installBootMode, "boot-mode", "auto", "Boot files to write: auto, uefi or legacy")
	f.BoolVar(&installOpts.Format, "format", installOpts.Format, "Format the target first")
	f.BoolVar(&installOpts.RepairBoot, "repair-boot", installOpts.RepairBoot, "Write boot files after applying")
	f.BoolVar(&installOpts.Unattended, "unattended", installOpts.Unattended, "Apply an unattended answer file")
	f.BoolVar(&installOpts.ExportDrivers, "export-drivers", installOpts.ExportDrivers, "Carry the current drivers over")
	f.BoolVar(&installOpts.AutoReboot, "auto-reboot", installOpts.AutoReboot, "Reboot when finished")
	_ = installCmd.MarkFlagRequired("target")
}

func runInstall(cmd *cobra.Command, args []string) error {
	sources := 0
	for _, set := range []bool{installSource != "", installURL != "", installSystem >= 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("must specify exactly one of --source, --url, or --system")
	}
	fw, err := bootcfg.ParseFirmware(installBootMode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(context.Background(), appOptions{handoff: true})
	if err != nil {
		return err
	}
	defer a.Close()

	req := orchestrator.OperationRequest{
		Target:      installTarget,
		Source:      installSource,
		SourceURL:   installURL,
		VolumeIndex: installIndex,
		Options:     installOpts,
	}
	req.Options.BootMode = fw

	if installSystem >= 0 {
		if err := a.loadCatalogs(ctx); err != nil {
			return err
		}
	} else if a.engine.ResolveMode(installTarget) == mode.ViaRecoveryEnvironment {
		// A previously downloaded environment image still works offline.
		if err := a.loadCatalogs(ctx); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
	}
	if installSystem >= 0 {
		systems := a.engine.Catalog().Systems
		if installSystem >= len(systems) {
			return fmt.Errorf("no system image %d (catalog has %d)", installSystem, len(systems))
		}
		req.SourceURL = systems[installSystem].URL
		fmt.Printf("💿 %s\n", systems[installSystem].DisplayName)
	}
	if installEnvironment >= 0 {
		if err := a.engine.SelectEnvironment(orchestrator.KindInstall, installEnvironment); err != nil {
			return err
		}
	}

	if installSource != "" {
		a.inspect(installSource)
	}

	accepted, err := a.engine.Install(ctx, req)
	if err != nil {
		return errors.Wrap(err, "install rejected")
	}
	fmt.Printf("🚀 Install %s onto %s (%s)\n", accepted.ID, accepted.Target, accepted.Mode)

	return a.waitAndReport(ctx, orchestrator.KindInstall)
}

// inspect lists the volumes of a local image so a bad --index is rejected
// before anything is touched. Inspection failures are only reported.
func (a *app) inspect(path string) {
	if !a.engine.Imaging.Inspect(path) {
		return
	}
	for a.engine.Imaging.Inspecting() {
		a.engine.Tick()
		time.Sleep(a.cfg.TickInterval)
	}
	insp := a.engine.Imaging.Inspection()
	if insp.Err != "" {
		fmt.Printf("⚠️  Could not inspect %s: %s\n", path, insp.Err)
		return
	}
	fmt.Printf("%-6s %-40s %10s\n", "INDEX", "NAME", "SIZE (GB)")
	for _, v := range insp.Volumes {
		fmt.Printf("%-6d %-40s %10.1f\n", v.Index, v.Name, float64(v.SizeBytes)/1024/1024/1024)
	}
}
