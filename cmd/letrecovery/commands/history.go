package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/db"
	"github.com/letrecovery/recoverykit/pkg/errors"
)

var (
	historyLimit     int
	historyDownloads bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past installs, backups and downloads",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of operations to show")
	historyCmd.Flags().BoolVar(&historyDownloads, "downloads", false, "List the download ledger instead")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.DataDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if historyDownloads {
		return listDownloads(repo)
	}

	ops, err := repo.ListOperations(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(ops) == 0 {
		fmt.Println("No operations found")
		return nil
	}

	fmt.Printf("%-20s %-8s %-6s %-26s %-11s %s\n", "STARTED", "KIND", "TARGET", "MODE", "STATUS", "MESSAGE")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, op := range ops {
		fmt.Printf("%-20s %-8s %-6s %-26s %-11s %s\n",
			op.CreatedAt, op.Kind, dash(op.Target), dash(op.Mode), op.Status, op.Message)
	}
	return nil
}

func listDownloads(repo *db.Repository) error {
	downloads, err := repo.ListDownloads()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(downloads) == 0 {
		fmt.Println("No downloads found")
		return nil
	}

	fmt.Printf("%-5s %-12s %10s %-16s %s\n", "ID", "STATUS", "SIZE (MB)", "SHA256", "PATH")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, d := range downloads {
		sha := d.SHA256
		if len(sha) > 16 {
			sha = sha[:16]
		}
		fmt.Printf("%-5d %-12s %10.1f %-16s %s\n", d.ID, d.Status, float64(d.SizeBytes)/1024/1024, dash(sha), d.DestPath)
		if d.ErrorMessage != "" {
			fmt.Printf("      ⚠️  %s\n", d.ErrorMessage)
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
