package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledgerbot/internal/config"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the session database, config and prompt profile",
		Long: `Writes a timestamped .tar.gz holding the SQLite session database (with
its WAL files), the config file and the prompt profile when one is configured.
Stop the gateway first for a consistent database copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			paths := backupPaths(cfgPath)

			if outputPath == "" {
				dir := filepath.Join(filepath.Dir(cfgPath), "backups")
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(dir, fmt.Sprintf("ledgerbot-backup-%s.tar.gz", ts))
			}

			var files []string
			for _, p := range paths.all() {
				if _, err := os.Stat(p); err == nil {
					files = append(files, p)
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("nothing to back up (db: %s, config: %s)", paths.db, paths.config)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: <config dir>/backups/ledgerbot-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the session database and config from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := backupPaths(resolveConfigPath())

			if !force {
				for _, p := range []string{paths.db, paths.config} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; restore would overwrite it (use --force)", p)
					}
				}
			}

			restored, err := extractTarGz(args[0], paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// dataPaths are the files a backup covers.
type dataPaths struct {
	config  string
	db      string
	profile string
}

func (p dataPaths) all() []string {
	out := []string{p.config, p.db, p.db + "-wal", p.db + "-shm"}
	if p.profile != "" {
		out = append(out, p.profile)
	}
	return out
}

// backupPaths reads the database and profile locations from the config,
// falling back to a database next to it when the config is unreadable.
func backupPaths(cfgPath string) dataPaths {
	p := dataPaths{config: cfgPath, db: filepath.Join(filepath.Dir(cfgPath), "ledgerbot.db")}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return p
	}
	if cfg.Sessions.DBPath != "" {
		p.db = cfg.Sessions.DBPath
	}
	p.profile = cfg.LLM.ProfilePath
	return p
}

func createTarGz(outputPath string, files []string) (err error) {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := addFileToTar(tw, f); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractTarGz maps archive entries back onto paths by base name. Entries
// it does not recognise are skipped.
func extractTarGz(archivePath string, paths dataPaths) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	dbBase := filepath.Base(paths.db)
	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		var target string
		name := filepath.Base(hdr.Name)
		switch {
		case name == filepath.Base(paths.config):
			target = paths.config
		case name == dbBase, strings.HasSuffix(name, ".db"):
			target = paths.db
		case strings.HasSuffix(name, ".db-wal"):
			target = paths.db + "-wal"
		case strings.HasSuffix(name, ".db-shm"):
			target = paths.db + "-shm"
		case paths.profile != "" && name == filepath.Base(paths.profile):
			target = paths.profile
		default:
			continue
		}

		if err := writeRestored(target, tr); err != nil {
			return restored, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeRestored(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
