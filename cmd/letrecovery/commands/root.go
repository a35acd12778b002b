package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "letrecovery",
	Short: "LetRecovery - Windows install, backup and recovery toolkit",
	Long: `Installs Windows images, captures backups, and repairs boot configuration,
either directly or by handing the work to a bootable recovery environment.
Run without arguments for the interactive interface.`,
	RunE:          runTUI,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", ".letrecovery", "Directory for downloads, staging and databases")
	flags.String("systems-url", "", "System image catalog URL")
	flags.String("environments-url", "", "Recovery environment catalog URL")
	flags.String("software-url", "", "Software catalog URL")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// download URLs")
	flags.String("recovery-env", "auto", "Treat this system as a recovery environment: auto, true or false")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")

	for _, name := range []string{"data-dir", "systems-url", "environments-url", "software-url", "s3-region", "recovery-env", "log-level", "log-format"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}
