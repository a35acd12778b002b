package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List partitions and the execution mode for each",
	RunE:  runPartitions,
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
}

func runPartitions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.engine.Partitions()
	if snap.InRecoveryEnvironment() {
		fmt.Println("⚠️  Running inside a recovery environment")
	}
	parts := snap.Partitions()
	if len(parts) == 0 {
		fmt.Println("No partitions found")
		return nil
	}

	fmt.Printf("%-6s %-20s %12s %-8s %-8s %-24s\n", "DRIVE", "LABEL", "SIZE (GB)", "SYSTEM", "WINDOWS", "MODE")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, p := range parts {
		fmt.Printf("%-6s %-20s %12.1f %-8s %-8s %-24s\n",
			p.Letter, p.Label, float64(p.TotalSizeMB)/1024,
			yesNo(p.IsSystemPartition), yesNo(p.HasWindows),
			a.engine.ResolveMode(p.Letter))
	}
	if def, ok := snap.DefaultTarget(); ok {
		fmt.Printf("\nDefault target: %s\n", def.Letter)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
