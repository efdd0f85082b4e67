// Penpalsync keeps a local SQLite cache of a penpal app's Firestore data in
// sync and manages the daily swipe quota.
//
// Usage:
//
//	penpalsync setup                          # interactive first-run wizard
//	penpalsync daemon [--config <path>]       # warm cache, listen, retry in background
//	penpalsync sync-once [--config <path>]    # single retry/warm/evict pass then exit
//	penpalsync quota <action> [--user <id>]   # status | consume | grant N | reset | set-max N
//	penpalsync clear [--config <path>]        # sign out and wipe the local cache
//	penpalsync status [--config <path>]       # show config, cache and quota state
//	penpalsync version                        # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/penpalsync/penpalsync/internal/codec"
	"github.com/penpalsync/penpalsync/internal/config"
	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/model"
	"github.com/penpalsync/penpalsync/internal/quota"
	"github.com/penpalsync/penpalsync/internal/remote"
	"github.com/penpalsync/penpalsync/internal/setup"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup(os.Args[2:])
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "quota":
		return runQuota(os.Args[2:])
	case "clear":
		return runClear(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("penpalsync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'penpalsync help' for usage", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "penpalsync: local-first cache and swipe quota for the penpal app")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  penpalsync setup [--config ...]         Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  penpalsync daemon [--config ...]        Run the sync engine until interrupted")
	fmt.Fprintln(os.Stderr, "  penpalsync sync-once [--config ...]     Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  penpalsync quota status|consume|reset   Inspect or use today's swipes")
	fmt.Fprintln(os.Stderr, "  penpalsync quota grant|set-max N        Give swipes back or change the cap")
	fmt.Fprintln(os.Stderr, "  penpalsync clear [--config ...]         Sign out and wipe the local cache")
	fmt.Fprintln(os.Stderr, "  penpalsync status [--config ...]        Show config, cache and quota state")
	fmt.Fprintln(os.Stderr, "  penpalsync version                      Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Common flags: --config <path>, --verbose, --user <id>")
}

// flagSet returns a FlagSet carrying the common flags.
func flagSet(name string) (*flag.FlagSet, *options) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	opts := &options{}
	fs.StringVar(&opts.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	fs.StringVar(&opts.userID, "user", "", "act as this user id instead of the configured one")
	return fs, opts
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, opts := flagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signalContext()
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, checkRemote, logger)
	return wiz.Run(ctx, opts.cfgPath)
}

// checkRemote reads the user's quota record to prove the project and
// credentials work.
func checkRemote(ctx context.Context, cfg *config.Config) error {
	if cfg.Remote.Backend != config.BackendFirestore {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	fs, err := remote.NewFirestore(ctx, cfg.Remote.ProjectID, cfg.Remote.CredentialsFile)
	if err != nil {
		return err
	}
	defer fs.Close()

	_, err = fs.Get(ctx, quota.DefaultCollection, cfg.UserID)
	return err
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs, opts := flagSet("sync")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, *opts)
	if err != nil {
		return err
	}
	defer a.close()

	engine := a.newEngine()

	if !daemon {
		a.log.Info("running single sync pass", "user_id", a.userID())
		stats, err := engine.RunOnce(ctx)
		a.log.Info("sync complete",
			"warmed", stats.Warmed,
			"retried", stats.Retried,
			"synced", stats.Synced,
			"failed", stats.Failed,
			"evicted", stats.Evicted,
		)
		return err
	}

	a.log.Info("daemon starting", "user_id", a.userID(), "retry_interval", a.cfg.RetryInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

// runQuota runs one quota ledger operation for the signed-in user.
func runQuota(args []string) error {
	if len(args) == 0 {
		return errors.New("quota: missing action (status, consume, grant, reset, set-max)")
	}
	action, rest := args[0], args[1:]

	var amount int
	if action == "grant" || action == "set-max" {
		if len(rest) == 0 {
			return fmt.Errorf("quota %s: missing amount", action)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("quota %s: invalid amount %q: %w", action, rest[0], err)
		}
		amount, rest = n, rest[1:]
	}

	fs, opts := flagSet("quota " + action)
	if err := fs.Parse(rest); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, *opts)
	if err != nil {
		return err
	}
	defer a.close()

	uid, maxPerDay := a.userID(), a.cfg.Quota.MaxPerDay

	switch action {
	case "status":
		st, err := a.ledger.Status(ctx, uid, maxPerDay)
		if err != nil {
			return err
		}
		source := "remote"
		if st.Offline {
			source = "local mirror"
		}
		fmt.Printf("%s: %d swipe(s) left, resets %s (%s)\n",
			uid, st.Remaining, st.WindowEndsAt.Format("2006-01-02 15:04 MST"), source)
		if rec, ok, err := a.ledger.Mirror(ctx, uid); err == nil && ok {
			fmt.Printf("  local mirror: %s, %d/%d used\n", rec.Day, rec.Used, rec.Max)
		}
	case "consume":
		remaining, err := a.ledger.Consume(ctx, uid, maxPerDay)
		if err != nil {
			return err
		}
		if remaining == model.Blocked {
			fmt.Printf("%s: blocked, no swipes left today\n", uid)
			return nil
		}
		fmt.Printf("%s: consumed, %d left\n", uid, remaining)
	case "grant":
		remaining, err := a.ledger.Grant(ctx, uid, amount, maxPerDay)
		if err != nil {
			return err
		}
		fmt.Printf("%s: granted %d, %d left\n", uid, amount, remaining)
	case "reset":
		if err := a.ledger.Reset(ctx, uid, maxPerDay); err != nil {
			return err
		}
		fmt.Printf("%s: usage reset\n", uid)
	case "set-max":
		if err := a.ledger.SetMax(ctx, uid, amount); err != nil {
			return err
		}
		fmt.Printf("%s: daily cap set to %d\n", uid, amount)
	default:
		return fmt.Errorf("quota: unknown action %q", action)
	}
	return nil
}

// runClear signs out, which wipes every cached collection.
func runClear(args []string) error {
	fs, opts := flagSet("clear")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, *opts)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Logout(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	fmt.Println("✓ Local cache cleared.")
	return nil
}

// runStatus prints config, cache and quota state.
func runStatus(args []string) error {
	fs, opts := flagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("penpalsync status")
	fmt.Println("─────────────────")

	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", opts.cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", opts.cfgPath)
	fmt.Printf("  Backend:   %s %s\n", cfg.Remote.Backend, cfg.Remote.ProjectID)
	fmt.Printf("  Quota:     %d/day (%s)\n", cfg.Quota.MaxPerDay, cfg.Quota.Location())
	fmt.Printf("  Retry:     %s, cache TTL %s\n", cfg.RetryInterval, cfg.Cache.TTL)

	info, err := os.Stat(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("  Cache:     not found (%s)\n", cfg.DatabasePath)
		return nil
	}
	fmt.Printf("  Cache:     %s (%s)\n", cfg.DatabasePath, humanSize(info.Size()))

	// Reading the cache needs no remote connection.
	newLogger(opts.verbose)
	ctx := context.Background()
	store, err := localstore.Open(cfg.DatabasePath, codec.Tables()...)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	for _, coll := range store.Collections() {
		total, err := store.Count(ctx, coll)
		if err != nil {
			return err
		}
		unsynced, err := store.Count(ctx, coll, localstore.Eq(codec.ColSynced, 0))
		if err != nil {
			return err
		}
		fmt.Printf("    %-14s %5d row(s), %d unsynced\n", coll, total, unsynced)
	}
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
