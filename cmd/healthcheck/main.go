// Command healthcheck exits 0 when the notifier configuration is valid and
// its state store can be opened and read. Container images run it as their
// HEALTHCHECK between scheduled invocations.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/config"
	"github.com/NFG-Linux/twitch-notifier/crypto"
	"github.com/NFG-Linux/twitch-notifier/state"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err := check(ctx)
	cancel()
	if err != nil {
		log.Printf("unhealthy: %v", err)
		os.Exit(1)
	}
}

func check(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
			return apperr.New(apperr.KindConfig, "ENCRYPTION_KEY", err)
		}
	}
	store, err := state.Open(ctx, cfg.StateStore, cfg.BroadcasterName, sealer)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("failed to close state store: %v", err)
		}
	}()
	_, err = store.Load(ctx)
	return err
}
