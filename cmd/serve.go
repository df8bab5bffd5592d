package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"shelfstream/logger"
	"shelfstream/player"
	"shelfstream/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control surface for the presentation layer",
	Long:  "Starts the local HTTP/websocket control surface that binds playback, ingestion and the download cache to the device UI.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() {
	a, err := newApp()
	if err != nil {
		logger.Fatal("startup failed", logger.ErrorField(err))
	}
	defer a.close()

	resolver := &cacheAwareResolver{Client: a.catalog, manager: a.manager}
	session := player.NewSession(resolver, a.state, player.NewBeepTransport(), a.bus, a.cfg)

	// Flush a crash-recovery record left over from an unclean exit.
	session.RecoverCrashSave(context.Background())

	if err := a.manager.StartWatcher(); err != nil {
		logger.Warn("cache watcher unavailable", logger.ErrorField(err))
	}

	handler := server.NewAPIHandler(a.cfg, session, a.manager, a.catalog, a.objects, a.bus)
	server.Start(a.cfg, handler)
}
