package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/mode"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
)

var (
	backupTarget      string
	backupDest        string
	backupName        string
	backupDescription string
	backupIncremental bool
	backupEnvironment int
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture a partition into a WIM image",
	Long: `Capture a partition into a WIM image. With --incremental the capture is
appended to an existing image as a new volume. Backing up the running system's
partition hands the work to the recovery environment.`,
	RunE: runBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	f := backupCmd.Flags()
	f.StringVar(&backupTarget, "target", "", "Partition to back up (e.g. C:)")
	f.StringVar(&backupDest, "dest", "", "WIM file to write")
	f.StringVar(&backupName, "name", "", "Image name (defaults to a timestamped name)")
	f.StringVar(&backupDescription, "description", "", "Image description")
	f.BoolVar(&backupIncremental, "incremental", false, "Append to an existing image")
	f.IntVar(&backupEnvironment, "environment", -1, "Catalog recovery environment index (defaults to the first)")
	_ = backupCmd.MarkFlagRequired("target")
	_ = backupCmd.MarkFlagRequired("dest")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(context.Background(), appOptions{handoff: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.engine.ResolveMode(backupTarget) == mode.ViaRecoveryEnvironment {
		if err := a.loadCatalogs(ctx); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
		if backupEnvironment >= 0 {
			if err := a.engine.SelectEnvironment(orchestrator.KindBackup, backupEnvironment); err != nil {
				return err
			}
		}
	}

	req := orchestrator.OperationRequest{
		Target:      backupTarget,
		Source:      backupDest,
		Name:        backupName,
		Description: backupDescription,
		Options:     orchestrator.Options{Incremental: backupIncremental},
	}
	accepted, err := a.engine.Backup(ctx, req)
	if err != nil {
		return errors.Wrap(err, "backup rejected")
	}
	fmt.Printf("🚀 Backup %s of %s to %s (%s)\n", accepted.ID, accepted.Target, accepted.Source, accepted.Mode)

	return a.waitAndReport(ctx, orchestrator.KindBackup)
}
