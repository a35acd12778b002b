package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/letrecovery/recoverykit/internal/config"
	"github.com/letrecovery/recoverykit/pkg/db"
	"github.com/letrecovery/recoverykit/pkg/errors"
)

var (
	cleanupAll      bool
	cleanupFailed   bool
	cleanupPath     string
	cleanupOrphaned bool
	cleanupStaging  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up downloaded files and staged recovery environments",
	Long: `Clean up resources left in the data directory:
  --all              Remove every downloaded file and its ledger entry
  --failed           Remove failed and cancelled downloads
  --path <file>      Remove one download by destination path
  --orphaned         Remove files in the download directory the ledger does not know
  --staging          Remove the staged recovery environment`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all downloads")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Clean failed and cancelled downloads")
	cleanupCmd.Flags().StringVar(&cleanupPath, "path", "", "Clean one download by destination path")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean files not tracked in the ledger")
	cleanupCmd.Flags().BoolVar(&cleanupStaging, "staging", false, "Clean the staging directory")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.DataDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	switch {
	case cleanupAll:
		return cleanupDownloads(repo, func(*db.Download) bool { return true })
	case cleanupFailed:
		return cleanupDownloads(repo, func(d *db.Download) bool {
			return d.Status == db.StatusFailed || d.Status == db.StatusCancelled
		})
	case cleanupPath != "":
		return cleanupSpecificDownload(repo, cleanupPath)
	case cleanupOrphaned:
		return cleanupOrphanedFiles(repo, cfg)
	case cleanupStaging:
		return cleanupStagingDir(cfg)
	default:
		return fmt.Errorf("must specify --all, --failed, --path, --orphaned, or --staging")
	}
}

func cleanupDownloads(repo *db.Repository, match func(*db.Download) bool) error {
	downloads, err := repo.ListDownloads()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	var selected []*db.Download
	for _, d := range downloads {
		if match(d) {
			selected = append(selected, d)
		}
	}
	fmt.Printf("🧹 Cleaning up %d downloads...\n", len(selected))

	for _, d := range selected {
		if err := cleanupDownload(repo, d); err != nil {
			fmt.Printf("⚠️  Failed to clean %s: %v\n", d.DestPath, err)
		} else {
			fmt.Printf("✅ Cleaned: %s\n", d.DestPath)
		}
	}
	return nil
}

func cleanupSpecificDownload(repo *db.Repository, path string) error {
	d, err := repo.GetDownload(path)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if d == nil {
		return fmt.Errorf("no download recorded for %s", path)
	}

	fmt.Printf("🧹 Cleaning up %s...\n", path)
	if err := cleanupDownload(repo, d); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}
	fmt.Printf("✅ Cleaned: %s\n", path)
	return nil
}

func cleanupDownload(repo *db.Repository, d *db.Download) error {
	// 1. Remove the file, partial or complete
	if err := os.Remove(d.DestPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove download")
	}

	// 2. Drop the ledger row
	if err := repo.DeleteDownload(d.ID); err != nil {
		return errors.Wrap(err, "failed to update database")
	}
	return nil
}

func cleanupOrphanedFiles(repo *db.Repository, cfg *config.Config) error {
	fmt.Println("🔍 Scanning for orphaned downloads...")

	orphanCount := 0
	entries, err := os.ReadDir(cfg.DownloadDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read download directory")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(cfg.DownloadDir, entry.Name())
		d, err := repo.GetDownload(path)
		if err != nil {
			fmt.Printf("⚠️  Lookup failed for %s: %v\n", entry.Name(), err)
			continue
		}
		if d != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			fmt.Printf("⚠️  Failed to remove orphaned download %s: %v\n", entry.Name(), err)
		} else {
			fmt.Printf("🗑️  Removed orphaned download: %s\n", entry.Name())
			orphanCount++
		}
	}

	fmt.Printf("✅ Removed %d orphaned files\n", orphanCount)
	return nil
}

func cleanupStagingDir(cfg *config.Config) error {
	entries, err := os.ReadDir(cfg.StagingDir)
	if os.IsNotExist(err) {
		fmt.Println("✅ Nothing staged")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read staging directory")
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(cfg.StagingDir, entry.Name())); err != nil {
			return errors.Wrap(err, "failed to remove staged file")
		}
		fmt.Printf("🗑️  Removed: %s\n", entry.Name())
	}
	fmt.Println("✅ Staging directory cleared")
	return nil
}
