package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"ledgerbot/internal/agent"
	"ledgerbot/internal/config"
	"ledgerbot/internal/ledger"
)

// checkResult tallies doctor outcomes.
type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *checkResult) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *checkResult) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the gateway setup",
		Long: `Verifies the configuration, session database, ledger backend, prompt
profile and listen port. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("ledgerbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkResult
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'ledgerbot init' to create a configuration.\n")
				return fmt.Errorf("config missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			runChecks(cmd.Context(), cfg, &r)

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned == 0 {
				fmt.Printf("\nAll checks passed. Run 'ledgerbot gateway' to start.\n")
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, cfg *config.Config, r *checkResult) {
	if cfg.WhatsApp.AppSecret == "" {
		r.warn("Webhook signature", "whatsapp.appSecret unset; deliveries are not authenticated")
	} else {
		r.pass("Webhook signature", "X-Hub-Signature-256 enforced")
	}

	if cfg.Sessions.Backend == "sqlite" {
		if err := checkDatabase(ctx, cfg.Sessions.DBPath); err != nil {
			r.fail("Session database", err.Error())
		} else {
			r.pass("Session database", cfg.Sessions.DBPath)
		}
	} else {
		r.warn("Session database", "memory backend; sessions are lost on restart")
	}

	if cfg.LLM.ProfilePath != "" {
		if _, err := agent.LoadProfile(cfg.LLM.ProfilePath); err != nil {
			r.fail("Prompt profile", err.Error())
		} else {
			r.pass("Prompt profile", cfg.LLM.ProfilePath)
		}
	} else {
		r.pass("Prompt profile", "embedded default")
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Ledger.Timeout())
	defer cancel()
	lc := ledger.New(ledger.Config{APIBase: cfg.Ledger.APIBase, Timeout: cfg.Ledger.Timeout(), Logger: log})
	if err := lc.Healthy(hctx); err != nil {
		r.fail("Ledger backend", fmt.Sprintf("%s: %v", cfg.Ledger.APIBase, err))
	} else {
		r.pass("Ledger backend", cfg.Ledger.APIBase)
	}

	if cfg.Archive.Enabled && cfg.Archive.Backend == "local" {
		if err := os.MkdirAll(cfg.Archive.Dir, 0o700); err != nil {
			r.fail("Media archive", err.Error())
		} else {
			r.pass("Media archive", cfg.Archive.Dir)
		}
	}

	if err := checkPort(cfg.Server.Addr()); err != nil {
		r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
	} else {
		r.pass("Listen address", cfg.Server.Addr()+" available")
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_probe (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_probe")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
