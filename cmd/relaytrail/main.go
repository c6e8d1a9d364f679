package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// globalFlags override the matching RELAYTRAIL_* variables when set.
type globalFlags struct {
	user     string
	profile  string
	dataDir  string
	feedURL  string
	logLevel string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "relaytrail",
		Short:        "Mirror a practice-platform submission history and the editing trail behind it",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.user, "user", "", "user id (RELAYTRAIL_USER)")
	pf.StringVar(&flags.profile, "profile", "", "backend profile: memory, durable-local, production, custom (RELAYTRAIL_BACKEND_PROFILE)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "local data directory (RELAYTRAIL_DATA_DIR)")
	pf.StringVar(&flags.feedURL, "feed-url", "", "platform base URL (RELAYTRAIL_FEED_URL)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (RELAYTRAIL_LOG_LEVEL)")

	root.AddCommand(
		newSyncCommand(flags),
		newPollCommand(flags),
		newServeCommand(flags),
		newMountCommand(flags),
	)
	return root
}
