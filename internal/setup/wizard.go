package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/penpalsync/penpalsync/internal/config"
)

// Checker probes the remote store described by cfg. The wizard refuses to
// save a configuration whose check fails.
type Checker func(ctx context.Context, cfg *config.Config) error

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt *Prompter
	check  Checker
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger. check may be
// nil to skip the connectivity probe.
func NewWizard(r io.Reader, w io.Writer, check Checker, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		check:  check,
		logger: logger,
		w:      w,
	}
}

// Run walks the user through remote, account, quota and sync settings and
// writes the result to cfgPath.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nWelcome to penpalsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", cfgPath)

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	cfg := &config.Config{}

	// Step 1: remote store.
	fmt.Fprintf(wiz.w, "Step 1/4: Remote Store\n")
	backends := []string{config.BackendFirestore, config.BackendMemory + " (local development only)"}
	idx, err := wiz.prompt.Select("Backend", backends)
	if err != nil {
		return fmt.Errorf("selecting backend: %w", err)
	}
	if idx == 0 {
		cfg.Remote.Backend = config.BackendFirestore
		cfg.Remote.ProjectID = wiz.prompt.String("Firebase project ID", "")
		if wiz.prompt.Confirm("Use a service account key file?", false) {
			cfg.Remote.CredentialsFile = wiz.prompt.String("Key file path", "")
		}
	} else {
		cfg.Remote.Backend = config.BackendMemory
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: account.
	fmt.Fprintf(wiz.w, "Step 2/4: Account\n")
	cfg.UserID = wiz.prompt.String("User ID to sync as", "")
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: quota.
	fmt.Fprintf(wiz.w, "Step 3/4: Swipe Quota\n")
	cfg.Quota.MaxPerDay = wiz.prompt.Int("Swipes per day for new users", 40, 1, 10000)
	tz := wiz.prompt.String("Timezone for the daily reset (IANA name)", time.Local.String())
	if _, err := time.LoadLocation(tz); err != nil {
		fmt.Fprintf(wiz.w, "  (unknown timezone %q, using the host's local zone)\n", tz)
		tz = ""
	}
	cfg.Quota.Timezone = tz
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: background sync.
	fmt.Fprintf(wiz.w, "Step 4/4: Background Sync\n")
	cfg.RetryInterval = clampDuration(wiz.prompt.Duration("Retry unsynced changes every (10s-1h)", time.Minute), 10*time.Second, time.Hour)
	cfg.Cache.TTL = clampDuration(wiz.prompt.Duration("Keep cached rows for (at least 1h)", 7*24*time.Hour), time.Hour, 0)
	fmt.Fprintf(wiz.w, "\n")

	if wiz.check != nil {
		fmt.Fprintf(wiz.w, "  Checking the remote store...")
		if err := wiz.check(ctx, cfg); err != nil {
			fmt.Fprintf(wiz.w, " ✗\n")
			return fmt.Errorf("cannot reach the remote store: %w\n\n  Check the project and credentials, then try again", err)
		}
		fmt.Fprintf(wiz.w, " ✓\n")
	}

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	wiz.logger.Debug("config written", "path", cfgPath)

	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "Next steps:\n")
	fmt.Fprintf(wiz.w, "  penpalsync sync-once   # fill the cache\n")
	fmt.Fprintf(wiz.w, "  penpalsync daemon      # keep it fresh\n\n")
	return nil
}

// clampDuration bounds d to [lo, hi]; hi of zero means unbounded.
func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
