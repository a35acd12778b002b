package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/letrecovery/recoverykit/internal/config"
	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/catalog"
	"github.com/letrecovery/recoverykit/pkg/db"
	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/download"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/fsm"
	"github.com/letrecovery/recoverykit/pkg/imaging"
	"github.com/letrecovery/recoverykit/pkg/metrics"
	"github.com/letrecovery/recoverykit/pkg/orchestrator"
	"github.com/letrecovery/recoverykit/pkg/prefs"
	"github.com/letrecovery/recoverykit/pkg/security"
	"github.com/letrecovery/recoverykit/pkg/storage"
	"github.com/letrecovery/recoverykit/pkg/sysinfo"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to create directory %s", dir))
		}
	}
	return nil
}

// loadConfig reads and validates configuration, then installs the logger.
// A nil logOutput means stdout.
func loadConfig(logOutput io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOutput)
	return cfg, nil
}

// app holds everything a command that drives the engine needs.
type app struct {
	cfg    *config.Config
	repo   *db.Repository
	runner *fsm.Runner
	engine *orchestrator.Engine
}

type appOptions struct {
	// handoff opens the FSM store so installs and backups can hand off to
	// the recovery environment.
	handoff bool
	// logOutput overrides stdout for the logger.
	logOutput io.Writer
}

// newApp wires the engine from configuration and takes the first partition
// snapshot.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig(opts.logOutput)
	if err != nil {
		return nil, err
	}
	if err := ensureDirectories(cfg.DataDir, cfg.DownloadDir, cfg.StagingDir, filepath.Dir(cfg.SQLitePath)); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	a := &app{cfg: cfg, repo: repo}

	s3Client, err := storage.NewClient(ctx, cfg.S3Region)
	if err != nil {
		fmt.Printf("⚠️  S3 unavailable, s3:// downloads disabled: %v\n", err)
		s3Client = nil
	}
	validator := security.NewValidator(cfg.MaxDownloadSize, cfg.DataDir, cfg.DownloadDir, cfg.StagingDir)
	transport := download.NewDefaultManager(http.DefaultClient, s3Client, validator)

	svc, err := imaging.NewService()
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "imaging init failed")
	}
	boot, err := bootcfg.NewManager()
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "boot configuration init failed")
	}

	deps := orchestrator.Deps{
		Transport: transport,
		Imaging:   svc,
		Boot:      boot,
		Ledger:    repo,
		Prefs:     prefs.Open(cfg.PrefsPath),
		Metrics:   metrics.New(),
	}
	if opts.handoff {
		machine := fsm.NewMachine(boot, security.NewValidator(cfg.MaxDownloadSize, cfg.StagingDir), cfg.FSMMaxRetries)
		runner, err := fsm.NewRunner(ctx, cfg.FSMDBPath, machine)
		if err != nil {
			repo.Close()
			return nil, errors.Wrap(err, "FSM init failed")
		}
		a.runner = runner
		deps.Handoff = runner
	}

	a.engine = orchestrator.NewEngine(ctx, orchestrator.EngineConfig{
		DataDir:      cfg.DataDir,
		DownloadDir:  cfg.DownloadDir,
		StagingDir:   cfg.StagingDir,
		SDIPath:      cfg.SDIPath,
		TickInterval: cfg.TickInterval,
		Sources: catalog.Sources{
			SystemsURL:      cfg.SystemsURL,
			EnvironmentsURL: cfg.EnvironmentsURL,
			SoftwareURL:     cfg.SoftwareURL,
		},
		CatalogTimeout: cfg.CatalogTimeout,
		Retry: orchestrator.RetryPolicy{
			MaxRetries:  cfg.DownloadRetries,
			Initial:     cfg.DownloadRetryInitial,
			MaxInterval: orchestrator.DefaultRetryMaxInterval,
		},
		DownloadPollInterval: cfg.DownloadPollInterval,
	}, deps)

	inRecovery := sysinfo.DetectRecovery(cfg.RecoveryEnv)
	if _, err := a.engine.RefreshPartitions(ctx, disk.NewSystemEnumerator(), inRecovery); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	a.engine.Close()
	if a.runner != nil {
		a.runner.Close()
	}
	a.repo.Close()
}

// waitFor ticks the engine until kind reaches a terminal state, printing
// progress as it goes. An interrupt cancels a running download. A hand-off
// that completes ends the wait too: the operation continues after reboot.
func (a *app) waitFor(ctx context.Context, kind orchestrator.Kind) (orchestrator.Kind, orchestrator.State, error) {
	lastLine := ""
	cancelled := false
	for {
		res := a.engine.Tick()

		if ctx.Err() != nil && !cancelled {
			cancelled = true
			if h, ok := a.engine.Downloads.Active(); ok {
				fmt.Println("\n🛑 Cancelling download...")
				if err := a.engine.Downloads.Cancel(h); err != nil {
					fmt.Printf("⚠️  Cancel failed: %v\n", err)
				}
			} else if !res.Busy {
				return kind, res.States[kind], ctx.Err()
			} else {
				fmt.Println("\n⚠️  Waiting for the running operation to finish...")
			}
		}

		if line := progressLine(res); line != "" && line != lastLine {
			fmt.Printf("\r%-78s", line)
			lastLine = line
		}

		if st := res.States[kind]; st.Terminal() && res.Pending == nil {
			fmt.Println()
			return kind, st, nil
		}
		if kind != orchestrator.KindDownload && kind != orchestrator.KindTool {
			if env := res.States[orchestrator.KindEnvironmentMount]; env.Terminal() {
				fmt.Println()
				return orchestrator.KindEnvironmentMount, env, nil
			}
		}
		if cancelled && !res.Busy {
			fmt.Println()
			return kind, res.States[kind], ctx.Err()
		}

		delay := res.NextTick
		if delay < a.cfg.TickInterval {
			delay = a.cfg.TickInterval
		}
		time.Sleep(delay)
	}
}

func progressLine(res orchestrator.TickResult) string {
	for _, k := range orchestrator.Kinds {
		st := res.States[k]
		if !st.Running() || k == orchestrator.KindRemoteConfig {
			continue
		}
		line := fmt.Sprintf("⏳ %s %5.1f%%", k, st.Progress.Overall)
		if st.Progress.Step != "" {
			line += fmt.Sprintf("  %s %.0f%%", st.Progress.Step, st.Progress.StepPercent)
		}
		if st.Progress.Rate > 0 {
			line += fmt.Sprintf("  %.1f MB/s", float64(st.Progress.Rate)/1024/1024)
		}
		return line
	}
	return ""
}

// waitAndReport runs waitFor and turns the outcome into the command's result.
func (a *app) waitAndReport(ctx context.Context, kind orchestrator.Kind) error {
	finished, st, err := a.waitFor(ctx, kind)
	if err != nil {
		return errors.Wrap(err, "interrupted")
	}
	if err := report(finished, st); err != nil {
		return err
	}
	return a.dumpMetrics()
}

// report prints the outcome of a finished operation and returns an error
// when it failed.
func report(kind orchestrator.Kind, st orchestrator.State) error {
	switch st.Phase {
	case orchestrator.PhaseCompleted:
		if kind == orchestrator.KindEnvironmentMount {
			fmt.Println("✅ Handed off to the recovery environment. Reboot to continue.")
		} else {
			fmt.Printf("✅ %s completed\n", kind)
		}
	case orchestrator.PhaseFailed:
		return fmt.Errorf("%s failed: %s", kind, st.Message)
	}
	return nil
}
