// Command gkid is a CLI client for the identity layer: sign-in, profile
// switching and the accounts stored on this device.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gkid")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gkid")
}

// storageDir is GKID_STORAGE_DIR when set, the user config dir otherwise.
func storageDir(cfg config.Config) string {
	if cfg.StorageDir != "" {
		return cfg.StorageDir
	}
	return cfgDir()
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `gkid CLI
Usage:
  gkid [-debug] <cmd> [args]

Environment:
  GKID_API_URL, GKID_STORAGE_PASSPHRASE (required), GKID_STORAGE_DIR,
  GKID_DATABASE_DSN, GKID_REDIS_ADDR, GKID_REALTIME_ADDR

Commands:
  version
  login      -u <username> -p <password>
  whoami
  profiles   switch -to <profile-id> [-pin <pin>] [-biometric]
  accounts   list
  accounts   switch -id <user-id>
  accounts   remove -id <user-id>
  tokens     status [-refresh]
  logout
`)
}

type command func(ctx context.Context, a *app, args []string, out io.Writer) error

var commands = map[string]command{
	"login":    cmdLogin,
	"whoami":   cmdWhoami,
	"profiles": cmdProfiles,
	"accounts": cmdAccounts,
	"tokens":   cmdTokens,
	"logout":   cmdLogout,
}

// run executes one command. It builds the client stack only for commands that need it.
func run(ctx context.Context, cfg config.Config, args []string, out io.Writer, log *zap.Logger) error {
	if len(args) == 0 {
		return errUsage
	}
	if log == nil {
		log = zap.NewNop()
	}
	if args[0] == "version" {
		fmt.Fprintf(out, "gkid %s (%s)\n", version, buildDate)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return errUsage
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return cmd(ctx, a, args[1:], out)
}

func main() {
	debug := flag.Bool("debug", false, "log to stderr")
	flag.Usage = func() { usage(os.Stderr) }
	flag.Parse()

	log := zap.NewNop()
	if *debug {
		log, _ = zap.NewDevelopment()
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, flag.Args(), os.Stdout, log); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fail(err)
	}
}

func fail(err error) {
	var ae *api.Error
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: status=%d msg=%s\n", ae.Status, ae.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
