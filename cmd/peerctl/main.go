package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/admin"
	"github.com/danmuck/peerctl/internal/channel"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/logging"
	"github.com/danmuck/peerctl/internal/protocol/wire"
	"github.com/danmuck/peerctl/internal/remote"
	"github.com/danmuck/peerctl/internal/retry"
)

func main() {
	configPath := flag.String("config", "", "path to node config file (defaults apply when omitted)")
	id := flag.String("id", "", "node id override")
	execTarget := flag.String("node", "", "exec mode: target node id")
	execCommand := flag.String("exec", "", "exec mode: command to dispatch, then exit")
	execMode := flag.String("mode", "statement", "exec mode: statement|file|eval")
	unattended := flag.Bool("unattended", false, "exec mode: fire and forget, wait only for receipt")
	timeout := flag.Duration("timeout", -1, "exec mode: per-command timeout (default from config)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.DefaultNodeConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *id != "" {
		cfg.ID = *id
	}

	if *execCommand != "" || *execTarget != "" {
		if err := runExec(cfg, *execTarget, *execCommand, *execMode, *unattended, *timeout); err != nil {
			fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
}

// runDaemon serves until SIGINT/SIGTERM.
func runDaemon(cfg config.NodeConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := remote.NewSession(cfg, nil)
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	if cfg.AdminAddr != "" {
		self := session.Self()
		adm := admin.New(self.ID, cfg.AdminAddr, session.Registry(), session, cfg.CorsOrigins)
		if err := adm.Start(); err != nil {
			return fmt.Errorf("admin surface: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adm.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// runExec starts a short-lived session, waits for the target to be
// discovered, dispatches one command and prints the result.
func runExec(cfg config.NodeConfig, target, command, mode string, unattended bool, timeout time.Duration) error {
	if target == "" {
		return fmt.Errorf("exec mode requires -node")
	}
	if command == "" {
		return fmt.Errorf("exec mode requires -exec")
	}
	m, err := parseMode(mode)
	if err != nil {
		return err
	}
	// The dispatching side binds an ephemeral command port so it never
	// collides with a daemon on the same host.
	cfg.CommandBind = "127.0.0.1:0"

	session, err := remote.NewSession(cfg, nil)
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Discovery needs a beacon round-trip before the target is known;
	// bounded retry instead of a reconnect storm.
	var ch *channel.Channel
	err = retry.Do(ctx, 8, retry.DefaultBackoff(), nil, func(ctx context.Context) error {
		opened, err := session.OpenCommandConnection(ctx, target)
		if err != nil {
			return err
		}
		ch = opened
		return nil
	})
	if err != nil {
		return fmt.Errorf("open channel to %s: %w", target, err)
	}

	if unattended {
		if err := session.RunCommandUnattended(ch, command, m, timeout); err != nil {
			return err
		}
		fmt.Println("accepted")
		return nil
	}

	resp, err := session.RunCommand(ch, command, m, timeout)
	if err != nil {
		return err
	}
	if resp.Output != "" {
		fmt.Println(resp.Output)
	}
	for _, e := range resp.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
	if !resp.Success {
		return fmt.Errorf("command failed on %s", target)
	}
	return nil
}

func parseMode(mode string) (wire.ExecMode, error) {
	switch strings.ToLower(mode) {
	case "statement", "":
		return wire.ExecuteStatement, nil
	case "file":
		return wire.ExecuteFile, nil
	case "eval":
		return wire.EvaluateStatement, nil
	default:
		return 0, fmt.Errorf("unknown exec mode %q", mode)
	}
}
