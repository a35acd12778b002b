package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
)

var (
	downloadDest     string
	downloadSystem   int
	downloadSoftware int
	downloadRun      bool
	downloadNT5      bool
)

var downloadCmd = &cobra.Command{
	Use:   "download [url]",
	Short: "Download a file, a catalog system image, or a catalog program",
	Long: `Download a file into the download directory:
  letrecovery download <url> [--dest path]   Download a URL (http, https or s3)
  letrecovery download --system N            Download system image N from the catalog
  letrecovery download --software N [--run]  Download program N, optionally starting it
Press Ctrl-C to cancel; the partial file is removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVar(&downloadDest, "dest", "", "Destination path (defaults to the download directory)")
	downloadCmd.Flags().IntVar(&downloadSystem, "system", -1, "Catalog system image index")
	downloadCmd.Flags().IntVar(&downloadSoftware, "software", -1, "Catalog software index")
	downloadCmd.Flags().BoolVar(&downloadRun, "run", false, "Start the program once downloaded")
	downloadCmd.Flags().BoolVar(&downloadNT5, "nt5", false, "Prefer the legacy NT5 build of a program")
}

func runDownload(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && downloadSystem < 0 && downloadSoftware < 0 {
		return fmt.Errorf("must specify a URL, --system, or --software")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// The engine outlives the interrupt so a cancelled transfer can clean up.
	a, err := newApp(context.Background(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var h orchestrator.Handle
	switch {
	case len(args) == 1:
		h, err = a.engine.Download(ctx, args[0], downloadDest, nil)
	case downloadSystem >= 0:
		if err := a.loadCatalogs(ctx); err != nil {
			return err
		}
		systems := a.engine.Catalog().Systems
		if downloadSystem >= len(systems) {
			return fmt.Errorf("no system image %d (catalog has %d)", downloadSystem, len(systems))
		}
		fmt.Printf("📥 %s\n", systems[downloadSystem].DisplayName)
		h, err = a.engine.Download(ctx, systems[downloadSystem].URL, downloadDest, nil)
	default:
		if err := a.loadCatalogs(ctx); err != nil {
			return err
		}
		software := a.engine.Catalog().Software
		if downloadSoftware >= len(software) {
			return fmt.Errorf("no software %d (catalog has %d)", downloadSoftware, len(software))
		}
		sw := software[downloadSoftware]
		fmt.Printf("📥 %s\n", sw.Name)
		if downloadRun {
			h, err = a.engine.DownloadAndRun(ctx, sw, runtime.GOARCH, downloadNT5)
		} else {
			h, err = a.engine.Download(ctx, sw.DownloadURLFor(runtime.GOARCH, downloadNT5), downloadDest, nil)
		}
	}
	if err != nil {
		return errors.Wrap(err, "download failed to start")
	}
	fmt.Printf("📥 Download %s started\n", h.ID)

	return a.waitAndReport(ctx, orchestrator.KindDownload)
}
