package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andrei-cloud/go_hce/internal/config"
	"github.com/andrei-cloud/go_hce/internal/cryptogram"
	"github.com/andrei-cloud/go_hce/internal/display"
	"github.com/andrei-cloud/go_hce/internal/logging"
	"github.com/andrei-cloud/go_hce/internal/notify"
	"github.com/andrei-cloud/go_hce/internal/profile"
	"github.com/andrei-cloud/go_hce/internal/replenish"
	"github.com/andrei-cloud/go_hce/internal/risk"
	"github.com/andrei-cloud/go_hce/internal/server"
	"github.com/andrei-cloud/go_hce/internal/state"
	"github.com/andrei-cloud/go_hce/internal/transaction"
)

var (
	address string
	debug   bool
	human   bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the card emulation server",
	Long:  `Start the host card emulation server to process contactless payment transactions from terminal bridges over TCP.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := config.Initialize(); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize configuration")
		}
		cfg := config.Get()

		logging.InitLogger(debug || cfg.Log.Level == "debug", human || cfg.Log.Format == "human")

		// Restore the provisioned account before anything can touch it.
		store := profile.NewStore()
		fileStore := state.NewFileStore(cfg.State.Path, store)
		if err := fileStore.Load(); err != nil {
			log.Warn().Err(err).Msg("starting with unprovisioned account")
		}

		messenger := display.LogMessenger{}

		client := replenish.NewClient(
			cfg.Issuer.Address,
			cfg.Issuer.PoolSize,
			cfg.Issuer.Workers,
			time.Duration(cfg.Issuer.DialTimeout)*time.Millisecond,
		)
		client.Start()
		coordinator := replenish.NewCoordinator(store, client, messenger)

		machine := transaction.NewMachine(transaction.Config{
			Store:             profile.NewCard(store),
			Decider:           risk.NewEngine(store, cryptogram.NewLocalService()),
			Replenisher:       coordinator,
			Messenger:         messenger,
			Saver:             fileStore,
			AllowedMedia:      server.MediaFromNames(cfg.Transaction.Media),
			AssumePinVerified: cfg.Transaction.AssumePinVerified,
		})

		handler := notify.NewHandler(store, coordinator, coordinator, messenger)
		listener := notify.NewListener(cfg.Notify.URL, handler)

		ctx, cancel := context.WithCancel(cmd.Context())
		go listener.Run(ctx)
		go coordinator.RunSweeper(ctx)

		// Provision on first start; restarts reuse the persisted state.
		if store.Profile() == nil && !store.Disabled() && !store.Terminated() {
			coordinator.FetchProfile()
		}

		addr := address
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		}
		srv, err := server.NewServer(addr, machine)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize server")
		}

		// Ensure the stop channel is closed only once.
		var stopOnce sync.Once
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-stopChan
			log.Info().Msgf("signal %v received, shutting down server", sig)

			stopOnce.Do(func() {
				cancel()
				if err := srv.Stop(); err != nil {
					log.Error().Err(err).Msg("failed to stop server")
				}
				client.Close()
				close(stopChan)
			})
		}()

		// Start the server.
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}

		// Block the main goroutine to keep the server running until a termination signal is received.
		<-stopChan

		log.Info().Msg("server stopped gracefully")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&address, "address", "a", "", "Listen address, overrides configuration")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&human, "human", false, "Enable human-readable logs")
}
