//go:build linux

package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const (
	linuxUnitDst     = "/etc/systemd/system/playdeck-agent.service"
	linuxServiceName = "playdeck-agent"
)

// Restart=always matters: after applying an update the agent exits 0 and
// relies on systemd to start the new version.
var linuxUnit = template.Must(template.New("unit").Parse(`[Unit]
Description=PlayDeck Station Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} run --config {{.Config}} --workdir {{.WorkDir}}
WorkingDirectory={{.WorkDir}}
Restart=always
RestartSec=5

StandardOutput=journal
StandardError=journal
SyslogIdentifier=playdeck-agent

[Install]
WantedBy=multi-user.target
`))

type unitParams struct {
	Exec    string
	Config  string
	WorkDir string
}

func renderUnit(p unitParams) (string, error) {
	var buf bytes.Buffer
	if err := linuxUnit.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the PlayDeck Agent system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo playdeck-agent service install)")
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		if exePath, err = filepath.EvalSymlinks(exePath); err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		cfg, err := filepath.Abs(configPath())
		if err != nil {
			return err
		}

		unit, err := renderUnit(unitParams{Exec: exePath, Config: cfg, WorkDir: resolvedWorkDir()})
		if err != nil {
			return fmt.Errorf("failed to render unit file: %w", err)
		}
		if err := os.WriteFile(linuxUnitDst, []byte(unit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "enable", "--now", linuxServiceName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println("PlayDeck Agent service installed and started.")
		fmt.Println("Logs: journalctl -u playdeck-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo playdeck-agent service uninstall)")
		}

		exec.Command("systemctl", "disable", "--now", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()

		fmt.Println("PlayDeck Agent service uninstalled. Config and logs were preserved.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
