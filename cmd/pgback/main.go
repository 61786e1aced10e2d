package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/emuops/pgback/internal/backup"
	"github.com/emuops/pgback/internal/config"
	"github.com/emuops/pgback/internal/cron"
	"github.com/emuops/pgback/internal/cryptoutil"
	"github.com/emuops/pgback/internal/dockerctl"
	"github.com/emuops/pgback/internal/lock"
	"github.com/emuops/pgback/internal/logging"
	"github.com/emuops/pgback/internal/notify"
	"github.com/emuops/pgback/internal/offsite"
	"github.com/emuops/pgback/internal/restore"
	"github.com/emuops/pgback/internal/store"
	"github.com/emuops/pgback/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	BackupRoot string
	Retention  int
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:   "pgback",
		Short: "Backup and restore for Docker-hosted PostgreSQL instances",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&overrides.BackupRoot, "backup-root", "", "Backup root directory")
	rootCmd.PersistentFlags().IntVar(&overrides.Retention, "retention", 0, "Complete pairs to keep per instance")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newBackupAllCmd(root, overrides))
	rootCmd.AddCommand(newListBackupsCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newInstallCronCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <instance>",
		Short: "Back up one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			guard, err := lock.Acquire(cfg.Global.LockFile)
			if err != nil {
				return err
			}
			defer guard.Release()

			containers, err := dockerctl.New()
			if err != nil {
				return err
			}
			mirror, err := offsite.FromConfig(cfg.Offsite, logger)
			if err != nil {
				return err
			}
			exec := backup.New(cfg, store.New(cfg.Backup.Root, logging.WithComponent(logger, "store")), containers,
				notify.FromConfig(cfg.Notifications), mirror, logger)

			ctx, cancel := opContext(cfg)
			defer cancel()

			res, err := exec.Run(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info().Str("file", res.Pair.BaseName()).
				Str("size", store.SizeHuman(res.Pair.SizeBytes)).Msg("backup completed")
			return nil
		},
	}
}

func newBackupAllCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup-all",
		Short: "Back up every configured instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			guard, err := lock.Acquire(cfg.Global.LockFile)
			if err != nil {
				return err
			}
			defer guard.Release()

			containers, err := dockerctl.New()
			if err != nil {
				return err
			}
			mirror, err := offsite.FromConfig(cfg.Offsite, logger)
			if err != nil {
				return err
			}
			exec := backup.New(cfg, store.New(cfg.Backup.Root, logging.WithComponent(logger, "store")), containers,
				notify.FromConfig(cfg.Notifications), mirror, logger)
			runner := &backup.FleetRunner{Exec: exec, Pause: cfg.Backup.FleetPause}

			ctx, cancel := opContext(cfg)
			defer cancel()

			summary, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("instances", summary.Total).Msg("fleet backup completed")
			return nil
		},
	}
}

func newListBackupsCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups [instance]",
		Short: "List backup pairs newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			st := store.New(cfg.Backup.Root, logging.WithComponent(logger, "store"))

			names := cfg.InstanceNames()
			if len(args) == 1 {
				if _, err := cfg.Instance(args[0]); err != nil {
					return err
				}
				names = args[:1]
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tCREATED\tSIZE\tWAL\tFILE")
			total := 0
			for _, name := range names {
				pairs, err := st.List(name)
				if err != nil {
					return err
				}
				for _, pair := range pairs {
					wal := "yes"
					if !pair.Complete() {
						wal = "missing"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						name, pair.CreatedAt.Format("2006-01-02 15:04:05"),
						store.SizeHuman(pair.SizeBytes), wal, pair.BaseName())
					total++
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if total == 0 {
				fmt.Println("no backups found")
			}
			return nil
		},
	}
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "restore <instance> <backup_file>",
		Short: "Destructively restore an instance from a backup pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			guard, err := lock.Acquire(cfg.Global.LockFile)
			if err != nil {
				return err
			}
			defer guard.Release()

			containers, err := dockerctl.New()
			if err != nil {
				return err
			}
			exec := restore.New(cfg, store.New(cfg.Backup.Root, logging.WithComponent(logger, "store")), containers,
				notify.FromConfig(cfg.Notifications), logger)

			ctx, cancel := opContext(cfg)
			defer cancel()

			res, err := exec.Run(ctx, args[0], args[1], assumeYes)
			if err != nil {
				return err
			}
			if res.Cancelled {
				fmt.Println("restore cancelled")
				return nil
			}
			logger.Info().Str("state", res.State.String()).Msg("restore completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&assumeYes, "yes", false, "Skip the confirmation prompt")
	return cmd
}

func newInstallCronCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var at string
	var force bool

	cmd := &cobra.Command{
		Use:   "install-backup-cron",
		Short: "Install the daily fleet backup schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			when := cfg.Schedule.CronTime
			if at != "" {
				when = at
			}

			ctx, cancel := opContext(cfg)
			defer cancel()

			installer := &cron.Installer{Log: logging.WithComponent(logger, "cron")}
			return installer.Install(ctx, cron.Entry{Time: when, Binary: self, Log: cfg.Schedule.CronLog}, force)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Daily run time (HH:MM, default from schedule.cron_time)")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing schedule without asking")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	var input string
	var output string
	var key string
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a config encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			generated, err := cryptoutil.NewKey()
			if err != nil {
				return err
			}
			fmt.Println(generated)
			return nil
		},
	}

	cmd.AddCommand(encrypt)
	cmd.AddCommand(keygen)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pgback %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	if overrides.BackupRoot != "" {
		cfg.Backup.Root = overrides.BackupRoot
	}
	if overrides.Retention > 0 {
		cfg.Backup.RetentionCount = overrides.Retention
	}
}

// opContext bounds an operation by the configured timeout and wires SIGINT
// and SIGTERM to cancellation.
func opContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if cfg.Global.OperationTimeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Global.OperationTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
