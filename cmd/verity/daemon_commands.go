package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"verity/internal/config"
	"verity/internal/daemon"
	"verity/internal/preflight"
	"verity/internal/queue"
)

const daemonStartTimeout = 10 * time.Second

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the verity daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			if client := newAPIClient(cfg); client != nil {
				if _, err := client.status(cmd.Context()); err == nil {
					fmt.Fprintln(stdout, "Daemon already running")
					return nil
				}
			}

			fmt.Fprintln(stdout, "Daemon not running, launching...")
			if err := launchDaemon(ctx, cfg); err != nil {
				return err
			}
			if err := waitForDaemon(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Daemon started")
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the verity daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			pid, err := readDaemonPID(cfg)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(stdout, "Daemon is not running")
					return nil
				}
				return err
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("locate daemon process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				if errors.Is(err, os.ErrProcessDone) {
					_ = os.Remove(daemon.PIDPath(cfg))
					fmt.Fprintln(stdout, "Daemon is not running")
					return nil
				}
				return fmt.Errorf("signal daemon: %w", err)
			}

			fmt.Fprintf(stdout, "Stopping daemon (pid %d)...\n", pid)
			if err := waitForExit(cmd.Context(), cfg, pid); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			client := newAPIClient(cfg)
			if client == nil {
				return errors.New("api_bind is empty; daemon status is unavailable")
			}
			status, err := client.status(cmd.Context())
			if errors.Is(err, errDaemonUnavailable) {
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusWarn, "not running", colorize))
				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(stdout, line)
				}
				for _, check := range preflight.RunAll(cfg) {
					kind := statusOK
					if !check.Passed {
						kind = statusWarn
					}
					fmt.Fprintln(stdout, renderStatusLine(check.Name, kind, check.Detail, colorize))
				}
				fmt.Fprintln(stdout)
				return printQueueSummary(cmd, ctx, colorize)
			}
			if err != nil {
				return err
			}

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, renderStatusLine("Running", statusOK, yesNo(status.Running), colorize))
			fmt.Fprintln(stdout, renderStatusLine("Queue DB", statusInfo, status.QueueDBPath, colorize))
			fmt.Fprintln(stdout, renderStatusLine("Lock file", statusInfo, status.LockFilePath, colorize))
			if status.StagingUsage != "" {
				fmt.Fprintln(stdout, renderStatusLine("Staging usage", statusInfo, status.StagingUsage, colorize))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Dependencies", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, dep := range status.Dependencies {
				kind := statusOK
				detail := dep.Command
				if !dep.Available {
					kind = statusError
					if dep.Optional {
						kind = statusWarn
					}
					detail = dep.Detail
				}
				fmt.Fprintln(stdout, renderStatusLine(dep.Name, kind, detail, colorize))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Stages", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, health := range status.Stages {
				kind := statusOK
				if !health.Ready {
					kind = statusError
				}
				fmt.Fprintln(stdout, renderStatusLine(statusLabel(health.Name), kind, health.Detail, colorize))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Models", colorize) {
				fmt.Fprintln(stdout, line)
			}
			if len(status.Models) == 0 {
				fmt.Fprintln(stdout, "No backbones configured")
			} else {
				rows := make([][]string, 0, len(status.Models))
				for _, model := range status.Models {
					resident := model.Resident
					if !model.Loaded {
						resident = "-"
					}
					rows = append(rows, []string{
						model.Name,
						yesNo(model.Loaded),
						strconv.Itoa(model.Refs),
						resident,
					})
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"Backbone", "Loaded", "Refs", "Resident"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
				))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Queue", colorize) {
				fmt.Fprintln(stdout, line)
			}
			summary := status.Queue
			fmt.Fprintln(stdout, renderStatusLine("Total", statusInfo, strconv.Itoa(summary.Total), colorize))
			fmt.Fprintln(stdout, renderStatusLine("Pending", statusInfo, strconv.Itoa(summary.Pending), colorize))
			fmt.Fprintln(stdout, renderStatusLine("Processing", statusInfo, strconv.Itoa(summary.Processing), colorize))
			fmt.Fprintln(stdout, renderStatusLine("Completed", statusOK, strconv.Itoa(summary.Completed), colorize))
			failedKind := statusOK
			if summary.Failed > 0 {
				failedKind = statusError
			}
			fmt.Fprintln(stdout, renderStatusLine("Failed", failedKind, strconv.Itoa(summary.Failed), colorize))
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func printQueueSummary(cmd *cobra.Command, ctx *commandContext, colorize bool) error {
	return ctx.withStore(cmd.Context(), func(store *queue.Store) error {
		health, err := store.Health(cmd.Context())
		if err != nil {
			return err
		}
		stdout := cmd.OutOrStdout()
		fmt.Fprintln(stdout, renderStatusLine("Queued jobs", statusInfo,
			fmt.Sprintf("%d total (%s)", health.Total, humanize.Comma(int64(health.Pending))+" pending"), colorize))
		return nil
	})
}

// launchDaemon starts verityd detached, logging to the configured log dir.
func launchDaemon(ctx *commandContext, cfg *config.Config) error {
	exe, err := daemonExecutable()
	if err != nil {
		return err
	}

	args := []string{}
	if ctx.configFlag != nil && strings.TrimSpace(*ctx.configFlag) != "" {
		args = append(args, "--config", strings.TrimSpace(*ctx.configFlag))
	}

	logPath := daemon.LogPath(cfg)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log %s: %w", logPath, err)
	}
	defer logFile.Close()

	launch := exec.Command(exe, args...)
	launch.Stdout = logFile
	launch.Stderr = logFile
	launch.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := launch.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", exe, err)
	}
	return launch.Process.Release()
}

// daemonExecutable prefers a verityd binary next to the CLI, then PATH.
func daemonExecutable() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "verityd")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	exe, err := exec.LookPath("verityd")
	if err != nil {
		return "", errors.New("verityd binary not found next to verity or on PATH")
	}
	return exe, nil
}

func waitForDaemon(ctx context.Context, cfg *config.Config) error {
	client := newAPIClient(cfg)
	if client == nil {
		return nil
	}
	deadline := time.Now().Add(daemonStartTimeout)
	for time.Now().Before(deadline) {
		if _, err := client.status(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return errors.New("daemon did not become ready in time")
}

func waitForExit(ctx context.Context, cfg *config.Config, pid int) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := readDaemonPID(cfg); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err := syscall.Kill(pid, 0); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("daemon (pid %d) did not exit within 5s", pid)
}

func readDaemonPID(cfg *config.Config) (int, error) {
	raw, err := os.ReadFile(daemon.PIDPath(cfg))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", daemon.PIDPath(cfg))
	}
	return pid, nil
}
