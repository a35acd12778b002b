package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
)

var (
	toolTarget   string
	toolBootMode string
	toolDest     string
	powerDelay   time.Duration
)

var repairBootCmd = &cobra.Command{
	Use:   "repair-boot",
	Short: "Rewrite the boot files of a Windows installation",
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, err := bootcfg.ParseFirmware(toolBootMode)
		if err != nil {
			return err
		}
		return runTool(orchestrator.ToolRequest{Action: orchestrator.ToolRepairBoot, Target: toolTarget, BootMode: fw})
	},
}

var exportDriversCmd = &cobra.Command{
	Use:   "export-drivers",
	Short: "Export third-party drivers from the running or an offline system",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(orchestrator.ToolRequest{Action: orchestrator.ToolExportDrivers, Target: toolTarget, Dest: toolDest})
	},
}

var powerCmd = &cobra.Command{
	Use:       "power reboot|shutdown",
	Short:     "Restart or power off the machine",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"reboot", "shutdown"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := orchestrator.ToolReboot
		if args[0] == "shutdown" {
			action = orchestrator.ToolShutdown
		}
		return runTool(orchestrator.ToolRequest{Action: action, Delay: powerDelay})
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch [tool]",
	Short: "Start a bundled tool, or list them when no name is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return listTools()
		}
		return runTool(orchestrator.ToolRequest{Action: orchestrator.ToolLaunch, Name: args[0]})
	},
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Show the network adapters and their addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		return a.printNetwork(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(repairBootCmd)
	rootCmd.AddCommand(exportDriversCmd)
	rootCmd.AddCommand(powerCmd)

	repairBootCmd.Flags().StringVar(&toolTarget, "target", "", "Partition to repair (defaults to the running system)")
	repairBootCmd.Flags().StringVar(&toolBootMode, "boot-mode", "auto", "Boot files to write: auto, uefi or legacy")

	exportDriversCmd.Flags().StringVar(&toolTarget, "target", "", "Offline installation to export from (defaults to the running system)")
	exportDriversCmd.Flags().StringVar(&toolDest, "dest", "", "Export directory (defaults to the data directory)")

	powerCmd.Flags().DurationVar(&powerDelay, "delay", orchestrator.RebootDelay, "Grace period before acting")
}

func runTool(req orchestrator.ToolRequest) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(context.Background(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.engine.Imaging.RunTool(req)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s rejected", req.Action))
	}
	fmt.Printf("🔧 %s %s started\n", req.Action, id)

	return a.waitAndReport(ctx, orchestrator.KindTool)
}

func listTools() error {
	a, err := newApp(context.Background(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := a.engine.Imaging.BundledTools()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No tools in %s\n", filepath.Join(a.cfg.DataDir, orchestrator.ToolsDirName))
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func (a *app) printNetwork(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	adapters, err := a.engine.NetworkAdapters(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		fmt.Println("No network adapters found")
		return nil
	}
	for _, ad := range adapters {
		state := "down"
		if ad.Up {
			state = "up"
		}
		fmt.Printf("%s (%s)\n", ad.Name, state)
		if ad.MAC != "" {
			fmt.Printf("  MAC:  %s\n", ad.MAC)
		}
		for _, addr := range ad.Addresses {
			fmt.Printf("  Addr: %s\n", addr)
		}
	}
	return nil
}
