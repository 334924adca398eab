package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pm-go/internal/app"
	"pm-go/internal/config"
	"pm-go/internal/pm"
	"pm-go/internal/relay"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a PMApp. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "export", "db migrate").
func newApp(ctx context.Context, cmd *cobra.Command, command string, skipMigrationCheck bool) (*app.PMApp, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	opts := app.Options{SkipMigrationCheck: skipMigrationCheck}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.Console = os.Stderr
	}

	app.ApplyEnv(cfg)
	a, err := app.NewPMApp(ctx, cfg, command, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, cfg, nil
}

// runOperation starts an operation with a progress printer attached and follows
// it to completion. The first interrupt cancels the operation; the command still
// waits for it to wind down.
func runOperation(start func(pm.Observer) (*pm.Handle, error)) (pm.Result, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newProgressPrinter(os.Stderr)
	h, err := start(printer.Observe)
	if err != nil {
		return pm.Result{}, err
	}

	go func() {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nCanceling...")
			h.Cancel()
		case <-h.Done():
		}
	}()

	res, err := h.Wait(context.Background())
	printer.WaitTerminal(terminalWait)
	return res, err
}

var rootCmd = &cobra.Command{
	Use:          "pm",
	Short:        "Project manager data export and import",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := app.NewDefaultConfig(defaults)
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Next: pm db migrate && pm keys init")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		app.ApplyEnv(cfg)

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s %s\n", cfg.Database.Type, cfg.Database.Path)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		fmt.Printf("Spool:       %s (max %d bytes)\n", cfg.Spool.Type, cfg.Spool.MaxSize)
		fmt.Printf("Compression: %s\n", cfg.Transfer.Compression)
		fmt.Printf("Export Dir:  %s\n", cfg.Transfer.ExportDir)
		fmt.Printf("Relay:       %s\n", cfg.Relay.Addr)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:       %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the export key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := newApp(cmd.Context(), cmd, "keys init", true)
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readNewPassphrase("Private key passphrase")
		if err != nil {
			return err
		}
		if err := a.SetupKeys(passphrase); err != nil {
			return err
		}

		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the database schema",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "db migrate", true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Migrate(); err != nil {
			return err
		}
		st, err := a.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Database at schema version %d\n", st.Current)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "View schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "db status", true)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Current: %d\n", st.Current)
		fmt.Printf("Latest:  %d\n", st.Latest)
		if st.Dirty {
			fmt.Println("State:   dirty (a migration failed part way)")
		} else if st.Current < st.Latest {
			fmt.Println("State:   pending migrations, run 'pm db migrate'")
		} else {
			fmt.Println("State:   up to date")
		}
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the application schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "db schema", true)
		if err != nil {
			return err
		}
		defer a.Close()

		schema, err := a.DumpSchema(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export [PATH]",
	Short: "Export all project data to an encrypted artifact",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		usePassphrase, _ := cmd.Flags().GetBool("passphrase")
		gzip, _ := cmd.Flags().GetBool("gzip")
		toVault, _ := cmd.Flags().GetBool("vault")

		a, _, err := newApp(cmd.Context(), cmd, "export", false)
		if err != nil {
			return err
		}
		defer a.Close()

		req := app.ExportRequest{}
		if len(args) > 0 {
			req.Path = args[0]
		}
		if gzip {
			req.Compression = "gzip"
		}
		if usePassphrase {
			if req.Passphrase, err = readNewPassphrase("Artifact passphrase"); err != nil {
				return err
			}
		}

		res, err := runOperation(func(obs pm.Observer) (*pm.Handle, error) {
			req.Observer = obs
			return a.Export(context.Background(), req)
		})
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if res.Canceled {
			fmt.Println("Export canceled, nothing was written.")
			return nil
		}

		fmt.Printf("Exported %d row(s) from %d table(s) to %s (%d bytes)\n", res.Rows, res.Tables, res.FilePath, res.SizeBytes)
		if toVault {
			if err := a.CopyToVault(cmd.Context(), res.FilePath); err != nil {
				return err
			}
			fmt.Println("Copied to vault.")
		}
		return nil
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import PATH",
	Short: "Replace all project data with the contents of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		allowOlder, _ := cmd.Flags().GetBool("allow-older-schema")

		a, _, err := newApp(cmd.Context(), cmd, "import", false)
		if err != nil {
			return err
		}
		defer a.Close()

		req := app.ImportRequest{Path: args[0], AllowOlderSchema: allowOlder}
		needs, err := a.NeedsPassphrase(req.Path)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		if needs {
			if req.Passphrase, err = readPassphrase("Passphrase"); err != nil {
				return err
			}
		}

		res, err := runOperation(func(obs pm.Observer) (*pm.Handle, error) {
			req.Observer = obs
			return a.Import(context.Background(), req)
		})
		switch {
		case errors.Is(err, pm.ErrSchemaMismatch):
			return fmt.Errorf("import failed: %w (use --allow-older-schema for artifacts from older versions)", err)
		case err != nil:
			return fmt.Errorf("import failed: %w", err)
		case res.Canceled:
			fmt.Println("Import canceled, the database was not changed.")
			return nil
		}

		fmt.Printf("Imported %d row(s) into %d table(s)\n", res.Rows, res.Tables)
		if res.RestartRequired {
			fmt.Println("Restart the application to load the imported data.")
		}
		return nil
	},
}

// inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect PATH",
	Short: "Show an artifact's header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "inspect", true)
		if err != nil {
			return err
		}
		defer a.Close()

		h, size, err := a.Inspect(args[0])
		if err != nil {
			return err
		}
		st, err := a.MigrationStatus()
		if err != nil {
			return err
		}

		fmt.Printf("Format:      v%d\n", h.Version)
		fmt.Printf("Cipher:      %s\n", h.Cipher)
		fmt.Printf("Compression: %s\n", h.Compression)
		fmt.Printf("Schema:      %d (this build: %d)\n", h.SchemaVersion, st.Latest)
		fmt.Printf("Size:        %d bytes\n", size)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View export and import history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, _, err := newApp(cmd.Context(), cmd, "history", false)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %-6s  %s  %-9s  %8s  %6d rows  %s\n",
				shortID(op.ID),
				op.Kind,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Rows,
				op.Path,
			)
			if op.Error != "" {
				fmt.Printf("          error: %s\n", op.Error)
			}
		}
		return nil
	},
}

// vault command
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage off-site artifact copies",
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "vault list", true)
		if err != nil {
			return err
		}
		defer a.Close()

		artifacts, err := a.VaultArtifacts(cmd.Context())
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			fmt.Println("No artifacts in vault.")
			return nil
		}
		for _, info := range artifacts {
			fmt.Printf("%s  %12d  %s\n", info.ModifiedAt.Local().Format("2006-01-02 15:04:05"), info.Size, info.Name)
		}
		return nil
	},
}

var vaultPullCmd = &cobra.Command{
	Use:   "pull NAME DEST",
	Short: "Download an artifact from the vault",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "vault pull", true)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.PullArtifact(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Downloaded %s to %s (%d bytes)\n", args[0], args[1], n)
		return nil
	},
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context(), cmd, "vault check", true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateVault(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Vault OK.")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve operation progress to the UI over WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := newApp(cmd.Context(), cmd, "serve", false)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Relay.Addr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(os.Stderr, "Relay listening on ws://%s/ws\n", addr)
		srv := relay.NewServer(a, a.Logger(), pm.RealClock{})
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Also log to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	// vault subcommands
	vaultCmd.AddCommand(vaultListCmd)
	vaultCmd.AddCommand(vaultPullCmd)
	vaultCmd.AddCommand(vaultCheckCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().Bool("passphrase", false, "Encrypt with a passphrase instead of the key pair")
	exportCmd.Flags().Bool("gzip", false, "Compress with gzip instead of zstd")
	exportCmd.Flags().Bool("vault", false, "Copy the artifact to the configured vault")
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Bool("allow-older-schema", false, "Accept artifacts from an older schema version")
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
}
