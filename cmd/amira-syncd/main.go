// Package main implements the Amira sync daemon. It opens an authenticated
// session over the local encrypted store and keeps the offline queue drained
// against the sync server until terminated.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AnakAmira/amira-securesync/internal/config"
	"github.com/AnakAmira/amira-securesync/internal/keys"
	"github.com/AnakAmira/amira-securesync/internal/queue"
	"github.com/AnakAmira/amira-securesync/internal/session"
	"github.com/AnakAmira/amira-securesync/internal/syncer"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "/etc/amira/syncd.yaml", "Path to configuration file")
	dbPath := flag.String("db", "", "Path to local store (overrides config)")
	remoteURL := flag.String("remote-url", "", "Sync server base URL (overrides config)")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("Amira sync daemon starting")

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Override with command line flags
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *remoteURL != "" {
		cfg.Remote.BaseURL = *remoteURL
	}

	credential, err := readCredential()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read credential")
	}

	guard, err := keys.NewSoftwareGuard()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize key guard")
	}

	// Open the authenticated session
	sess, err := session.Open(cfg, credential, session.Options{
		Guard: guard,
		Events: syncer.Events{
			OnPermanentFailure: func(op *queue.Operation, err error) {
				log.Warn().Err(err).
					Str("operation_id", op.ID).
					Str("entity_id", op.EntityID).
					Msg("Operation permanently rejected by server")
			},
			OnConflict: func(entityID string) {
				log.Info().Str("entity_id", entityID).Msg("Entity flagged for conflict resolution")
			},
			OnSyncPending: func(pending int) {
				log.Warn().Int("pending", pending).Msg("Sync paused with operations pending")
			},
		},
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session")
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	<-ctx.Done()

	if err := sess.Close(); err != nil {
		log.Error().Err(err).Msg("Session close error")
	}
	log.Info().Msg("Sync daemon shutdown complete")
}

// readCredential takes the login credential from AMIRA_CREDENTIAL, or prompts
// on stdin when the variable is unset.
func readCredential() ([]byte, error) {
	if cred := os.Getenv("AMIRA_CREDENTIAL"); cred != "" {
		return []byte(cred), nil
	}
	fmt.Fprint(os.Stderr, "Credential: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("empty credential")
	}
	return []byte(line), nil
}
