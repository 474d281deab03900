package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"minhash-go/internal/app"
	"minhash-go/internal/config"
	"minhash-go/internal/tasks"
	"minhash-go/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newApp loads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command, component string) (*app.App, error) {
	cfg, _, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), cfg, component)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassphrase prompts on the terminal without echoing input.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("a terminal is required to enter the passphrase")
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

var rootCmd = &cobra.Command{
	Use:          "minhash",
	Short:        "MinHash signature store and job worker",
	SilenceUsage: true,
}

var runWorkerCmd = &cobra.Command{
	Use:     "run-worker",
	Aliases: []string{"run_minhash_worker"},
	Short:   "Run jobs from the queue until interrupted",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "worker")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.RunWorker(cmd.Context())
	},
}

var runSchedulerCmd = &cobra.Command{
	Use:     "run-scheduler",
	Aliases: []string{"run_cron_scheduler"},
	Short:   "Enqueue periodic maintenance tasks until interrupted",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "scheduler")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.RunScheduler(cmd.Context())
	},
}

var checkIntegrityCmd = &cobra.Command{
	Use:     "check-integrity",
	Aliases: []string{"check_integrity"},
	Short:   "Check records, files and the index for consistency",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _ := cmd.Flags().GetBool("store-report")

		a, err := newApp(cmd, "cli")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.CheckIntegrity(cmd.Context(), store)
		if err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
		return printJSON(report)
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue TASK",
	Short: "Submit a task to the queue",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return tasks.Names(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		kwargs, _ := cmd.Flags().GetString("kwargs")
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
		queueName, _ := cmd.Flags().GetString("queue")

		if !slices.Contains(tasks.Names(), args[0]) {
			return fmt.Errorf("unknown task %q, expected one of %v", args[0], tasks.Names())
		}

		a, err := newApp(cmd, "cli")
		if err != nil {
			return err
		}
		defer a.Close()

		var raw json.RawMessage
		if kwargs != "" {
			raw = json.RawMessage(kwargs)
		}
		job, err := a.Enqueue(cmd.Context(), args[0], raw, dependsOn, queueName)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", job.ID, job.Status)
		return nil
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "job-status ID",
	Short: "Show a job's status and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "cli")
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.JobStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var buildReverseIndexCmd = &cobra.Command{
	Use:   "build-reverse-index",
	Short: "Build a reverse index from every indexed signature",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "cli")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.BuildReverseIndex(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d signature(s)\n", n)
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := app.DefaultLocations()
		if err != nil {
			return err
		}
		if err := config.Init(loc.ConfigPath, config.NewConfig(loc.Home)); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", loc.ConfigPath)
		fmt.Printf("Data directory: %s\n", loc.Home)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := app.LoadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		settings := cfg.Settings()
		for _, k := range slices.Sorted(maps.Keys(settings)) {
			fmt.Printf("%-36s %s\n", k, settings[k])
		}
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage archived trash",
}

var archiveSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate the age key pair for encrypted archives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := app.LoadConfig()
		if err != nil {
			return err
		}
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}
		if err := app.SetupArchiveKeys(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Archive key written to %s\n", cfg.Archive.PublicKeyPath)
		return nil
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore CHECKSUM OUTPUT",
	Short: "Restore an archived signature file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "cli")
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.OpenFile(args[1], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[1])
			}
		}()

		return a.RestoreArchived(cmd.Context(), args[0], f, func() (string, error) {
			return readPassphrase("Archive passphrase: ")
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

func init() {
	checkIntegrityCmd.Flags().Bool("store-report", false, "Persist the report and record an audit event")

	enqueueCmd.Flags().String("kwargs", "", "Task arguments as a JSON object")
	enqueueCmd.Flags().StringSlice("depends-on", nil, "Run only after these job ids finish")
	enqueueCmd.Flags().String("queue", "", "Queue name (default: redis.queue from config)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	archiveCmd.AddCommand(archiveSetupCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)

	rootCmd.AddCommand(runWorkerCmd)
	rootCmd.AddCommand(runSchedulerCmd)
	rootCmd.AddCommand(checkIntegrityCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(jobStatusCmd)
	rootCmd.AddCommand(buildReverseIndexCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(versionCmd)
}
