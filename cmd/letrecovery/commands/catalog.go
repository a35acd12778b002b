package commands

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/orchestrator"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Fetch and list the system images, recovery environments and software",
	RunE:  runCatalog,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}

func runCatalog(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadCatalogs(ctx); err != nil {
		return err
	}
	cat := a.engine.Catalog()

	fmt.Printf("System images (%d)\n", len(cat.Systems))
	fmt.Printf("  %-4s %-40s %-6s %s\n", "#", "NAME", "TYPE", "URL")
	for i, s := range cat.Systems {
		tag := "Win10"
		if s.IsWin11 {
			tag = "Win11"
		}
		fmt.Printf("  %-4d %-40s %-6s %s\n", i, s.DisplayName, tag, s.URL)
	}

	fmt.Printf("\nRecovery environments (%d)\n", len(cat.Environments))
	for i, e := range cat.Environments {
		fmt.Printf("  %-4d %-40s %s\n", i, e.DisplayName, e.URL)
	}

	fmt.Printf("\nSoftware (%d)\n", len(cat.Software))
	for i, s := range cat.Software {
		fmt.Printf("  %-4d %-24s %-10s %s\n", i, s.Name, s.FileSize, s.DownloadURLFor(runtime.GOARCH, false))
	}
	return nil
}

// loadCatalogs fetches the remote catalogs and waits for the result. A
// partial load is reported but not fatal.
func (a *app) loadCatalogs(ctx context.Context) error {
	a.engine.LoadCatalogs()
	_, st, err := a.waitFor(ctx, orchestrator.KindRemoteConfig)
	if err != nil {
		return err
	}
	switch st.Phase {
	case orchestrator.PhaseFailed:
		return fmt.Errorf("catalog load failed: %s", st.Message)
	case orchestrator.PhaseCompleted:
		if st.Message != "" {
			fmt.Printf("⚠️  Some catalogs failed to load: %s\n", st.Message)
		}
	}
	return nil
}
