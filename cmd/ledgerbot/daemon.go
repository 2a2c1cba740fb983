package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "dev.ledgerbot.gateway"
	systemdUnit  = "ledgerbot.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a user service (launchd/systemd)",
		Long:  "Writes a launchd agent or systemd user unit that runs 'ledgerbot gateway' at login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			svc := serviceSpec{Exec: execPath, Config: resolveConfigPath()}

			path, unit, err := svc.render(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if runtime.GOOS == "darwin" {
				if err := os.MkdirAll(svc.logDir(), 0o700); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", path)
			switch runtime.GOOS {
			case "darwin":
				fmt.Printf("Start: launchctl load %s\n", path)
				fmt.Printf("Stop:  launchctl unload %s\n", path)
			case "linux":
				fmt.Println("Start:  systemctl --user daemon-reload && systemctl --user start ledgerbot")
				fmt.Println("Enable: systemctl --user enable ledgerbot")
				fmt.Println("Logs:   journalctl --user -u ledgerbot -f")
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
}

type serviceSpec struct {
	Exec   string
	Config string
}

func (s serviceSpec) logDir() string {
	return filepath.Join(filepath.Dir(s.Config), "logs")
}

// render returns the service file path and contents for goos.
func (s serviceSpec) render(goos string) (string, string, error) {
	path, err := servicePath(goos)
	if err != nil {
		return "", "", err
	}
	var tmpl string
	switch goos {
	case "darwin":
		tmpl = launchdTemplate
	case "linux":
		tmpl = systemdTemplate
	}
	r := strings.NewReplacer(
		"{{EXEC}}", s.Exec,
		"{{CONFIG}}", s.Config,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(s.logDir(), "gateway.log"),
		"{{ERR_LOG}}", filepath.Join(s.logDir(), "gateway-error.log"),
	)
	return path, r.Replace(tmpl), nil
}

func servicePath(goos string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>gateway</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=ledgerbot WhatsApp ledger gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} gateway --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
