package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledgerbot/internal/channel"
	"ledgerbot/internal/config"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/logger"
	"ledgerbot/internal/memory"
)

var (
	version    = "0.1.0"
	log        *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "ledgerbot",
		Short:   "WhatsApp gateway for a personal ledger",
		Long:    "ledgerbot turns WhatsApp text, voice and receipt photos into ledger transactions and replies with the result.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.ledgerbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(sessionCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the background service"}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and replaces the bootstrap logger with one
// built from it.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	l, closer, err := logger.New(cfg.General)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	log = l
	return cfg, closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Template()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			log.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			fmt.Println("Set WHATSAPP_ACCESS_TOKEN, WHATSAPP_VERIFY_TOKEN, WHATSAPP_PHONE_NUMBER_ID and GEMINI_API_KEY, then run 'ledgerbot gateway'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend health, sessions and recent deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			fmt.Printf("ledgerbot %s\n", version)
			fmt.Printf("config:   %s\n", resolveConfigPath())
			fmt.Printf("listen:   %s%s\n", cfg.Server.Addr(), cfg.WhatsApp.WebhookPath)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Ledger.Timeout())
			defer cancel()
			lc := ledger.New(ledger.Config{APIBase: cfg.Ledger.APIBase, Timeout: cfg.Ledger.Timeout(), Logger: log})
			if err := lc.Healthy(ctx); err != nil {
				fmt.Printf("ledger:   %s (unreachable: %v)\n", cfg.Ledger.APIBase, err)
			} else {
				fmt.Printf("ledger:   %s (ok)\n", cfg.Ledger.APIBase)
			}

			if cfg.Sessions.Backend != "sqlite" {
				fmt.Println("sessions: in memory (see 'ledgerbot session list')")
				return nil
			}
			store, err := memory.NewSQLiteStore(cfg.Sessions.DBPath, log)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.List(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sessions: %d live (%s)\n", len(sessions), cfg.Sessions.DBPath)

			deliveries, err := store.RecentDeliveries(ctx, recent)
			if err != nil {
				return err
			}
			if len(deliveries) > 0 {
				fmt.Println("\nrecent deliveries:")
			}
			for _, d := range deliveries {
				fmt.Printf("  %s  %-6s %-15s %-18s %-7s %s\n",
					d.At.Local().Format(time.DateTime), d.Kind, d.State, d.Action, d.Outcome, d.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "number of recent deliveries to show")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. sessions.ttlMinutes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. sessions.backend sqlite)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			log.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [to] [text]",
		Short: "Send a WhatsApp text message directly through the Cloud API",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			wa := channel.NewClient(channel.ClientConfig{
				APIBase:       cfg.WhatsApp.APIBase,
				AccessToken:   cfg.WhatsApp.AccessToken,
				PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
				Timeout:       cfg.WhatsApp.Timeout(),
				Logger:        log,
			})
			if err := wa.SendText(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}
