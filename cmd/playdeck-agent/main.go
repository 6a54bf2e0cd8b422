package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/playdeck/agent/internal/agent"
	"github.com/playdeck/agent/internal/audit"
	"github.com/playdeck/agent/internal/config"
	"github.com/playdeck/agent/internal/identity"
	"github.com/playdeck/agent/internal/logging"
	"github.com/playdeck/agent/internal/updater"
	"github.com/playdeck/agent/pkg/api"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "0.0.0-dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	cfgFile string
	workDir string
)

var rootCmd = &cobra.Command{
	Use:           "playdeck-agent",
	Short:         "PlayDeck station agent",
	Long:          `PlayDeck Agent - keeps a game station registered, configured and up to date with the PlayDeck server`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runAgent())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("PlayDeck Agent v%s (commit %s, built %s)\n", version, commit, buildDate)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the loaded configuration and hardware identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd.OutOrStdout())
	},
}

var checkUpdateCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Ask the server whether a newer agent is published, without installing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkUpdate(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <exe dir>/config/agent.config.json)")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "directory updates are extracted into (default is the executable's directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkUpdateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func resolvedWorkDir() string {
	if workDir != "" {
		if abs, err := filepath.Abs(workDir); err == nil {
			return abs
		}
		return workDir
	}
	return config.ExecutableDir()
}

// loadConfig reads and validates the config. Fatal problems are returned
// as one error; warnings have already been logged.
func loadConfig() (*config.Config, string, error) {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, path, fmt.Errorf("%w: %s: %w", config.ErrConfigUnreadable, path, errors.Join(res.Fatals...))
	}
	return cfg, path, nil
}

func runAgent() int {
	cfg, path, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	wd := resolvedWorkDir()
	logCloser, err := logging.Setup(cfg.LogFormat, cfg.LogLevel, config.ResolvePath(wd, cfg.LogFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, logging to stdout only\n", err)
	}

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(filepath.Join(wd, "log"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: audit log disabled: %v\n", err)
			auditLog = nil
		}
	}
	flush := func() {
		auditLog.Close()
		logCloser.Close()
	}

	fmt.Printf("Starting PlayDeck Agent v%s\n", version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Config: %s\n", path)

	a := agent.New(agent.Options{
		Version:   version,
		Config:    config.NewHandle(path, cfg),
		WorkDir:   wd,
		Audit:     auditLog,
		Restarter: updater.ExitRestarter{Flush: flush},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx)
	fmt.Println("\nShutting down agent...")
	flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with error: %v\n", err)
		return 1
	}
	return 0
}

func printStatus(w io.Writer) error {
	cfg, path, err := loadConfig()
	if err != nil {
		fmt.Fprintln(w, "Status: Not configured")
		return err
	}

	fmt.Fprintf(w, "Config:     %s\n", path)
	fmt.Fprintf(w, "PC name:    %s\n", cfg.PCName)
	fmt.Fprintf(w, "Server:     %s\n", cfg.ServerURL)
	fmt.Fprintf(w, "Session:    %s\n", cfg.SessionPath)
	fmt.Fprintf(w, "Heartbeat:  %s\n", time.Duration(cfg.HeartbeatIntervalMs)*time.Millisecond)
	fmt.Fprintf(w, "Games dirs: %s\n", strings.Join(cfg.GamesDirectories, ", "))
	if cfg.AuditEnabled {
		fmt.Fprintf(w, "Audit log:  %s\n", auditStatus(filepath.Join(resolvedWorkDir(), "log", audit.FileName)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mac, err := identity.NewResolver(nil).Resolve(ctx)
	if err != nil {
		fmt.Fprintf(w, "Identity:   unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "Identity:   %s\n", mac)
	return nil
}

func auditStatus(path string) string {
	n, err := audit.Verify(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "no entries yet"
	case err != nil:
		return fmt.Sprintf("%d valid entries, then %v", n, err)
	default:
		return fmt.Sprintf("%d entries, chain intact", n)
	}
}

func checkUpdate(ctx context.Context, w io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := api.NewClient(cfg.ServerURL, api.Options{
		AgentVersion:   version,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	})
	ctrl := updater.New(updater.Options{CurrentVersion: version, Server: client})
	check, err := ctrl.CheckVersion(ctx)
	if err != nil {
		return fmt.Errorf("check %s: %w", client.BaseURL(), err)
	}

	if !check.Available {
		fmt.Fprintf(w, "Up to date (v%s) on %s\n", check.Current, client.BaseURL())
		return nil
	}
	url, err := client.UpdateURL(check.Manifest)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Update available: v%s -> %s\n", check.Current, check.Manifest.Version)
	fmt.Fprintf(w, "Archive: %s\n", url)
	return nil
}
