package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/sysinfo"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the machine, its partitions and the download ledger",
	RunE:  runStatus,
}

var showMetrics bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print operation counters before exiting")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.engine.Partitions()
	summary, err := sysinfo.Collect(ctx, snap.InRecoveryEnvironment())
	if err != nil {
		return errors.Wrap(err, "system probe failed")
	}

	fmt.Println("System")
	fmt.Printf("  Host:        %s\n", summary.Hostname)
	fmt.Printf("  Platform:    %s (kernel %s)\n", summary.Platform, summary.KernelVersion)
	fmt.Printf("  CPU:         %s, %d threads\n", summary.CPUModel, summary.LogicalCores)
	fmt.Printf("  Memory:      %d MB\n", summary.MemoryTotalMB)
	fmt.Printf("  Uptime:      %s\n", time.Duration(summary.UptimeSeconds)*time.Second)
	fmt.Printf("  Recovery:    %s\n", yesNo(summary.InRecovery))

	fmt.Println("\nPartitions")
	if sys, ok := snap.CurrentSystem(); ok {
		fmt.Printf("  Current system: %s\n", sys.Letter)
	}
	if def, ok := snap.DefaultTarget(); ok {
		fmt.Printf("  Default target: %s (%s)\n", def.Letter, a.engine.ResolveMode(def.Letter))
	}
	fmt.Printf("  Enumerated:     %d\n", len(snap.Partitions()))

	downloads, err := a.repo.ListDownloads()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	counts := map[string]int{}
	var bytes int64
	for _, d := range downloads {
		counts[d.Status]++
		bytes += d.SizeBytes
	}
	fmt.Println("\nDownloads")
	fmt.Printf("  Total:   %d (%.1f MB)\n", len(downloads), float64(bytes)/1024/1024)
	for status, n := range counts {
		fmt.Printf("  %-8s %d\n", status+":", n)
	}

	fmt.Println("\nNetwork")
	if adapters, err := a.engine.NetworkAdapters(ctx); err != nil {
		fmt.Printf("  ⚠️  %v\n", err)
	} else {
		for _, ad := range adapters {
			fmt.Printf("  %-16s %s\n", ad.Name, strings.Join(ad.Addresses, ", "))
		}
	}

	if store := a.engine.Prefs(); store != nil {
		fmt.Printf("\nEasy mode: %s\n", yesNo(store.Get().EasyModeEnabled))
	}
	return a.dumpMetrics()
}

// dumpMetrics prints the counters when --metrics is set.
func (a *app) dumpMetrics() error {
	if !showMetrics || a.engine.Metrics() == nil {
		return nil
	}
	out, err := a.engine.Metrics().Dump()
	if err != nil {
		return errors.Wrap(err, "metrics dump failed")
	}
	fmt.Println()
	fmt.Print(out)
	return nil
}
