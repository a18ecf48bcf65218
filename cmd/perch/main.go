package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/perchsocial/go-client/client"
	"github.com/perchsocial/go-client/credstore"
	"github.com/perchsocial/go-client/internal/config"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running client: %s\n", err)
	}
	log.Printf("Client stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config.New: %w", err)
	}
	displayAppname(cfg.ClientName)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.Level(cfg.LogLevel)).
		With().Timestamp().Logger()

	store, err := credstore.NewFileStore(cfg.StoragePath, cfg.StorageKey)
	if err != nil {
		return fmt.Errorf("credstore.NewFileStore: %w", err)
	}

	c, err := client.New(store, logger, client.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("client.New: %w", err)
	}
	defer c.Close()

	if err := signIn(c, logger); err != nil {
		return err
	}

	go watchEvents(c, logger)
	go watchRealtime(c, logger)

	waitForStopSignal()
	return nil
}

// signIn resumes a stored session when one exists, otherwise logs in
// with PERCH_USERNAME and PERCH_PASSWORD.
func signIn(c *client.Client, logger zerolog.Logger) error {
	if active, ok := c.Sessions().Active(); ok {
		logger.Info().Str("username", active.Profile.Username).Msg("resumed session")
		return nil
	}

	username, password := os.Getenv("PERCH_USERNAME"), os.Getenv("PERCH_PASSWORD")
	if username == "" {
		return errors.New("no stored session and PERCH_USERNAME not set")
	}
	session, err := c.Login(context.Background(), username, password)
	if err != nil {
		return fmt.Errorf("client.Login: %w", err)
	}
	logger.Info().Str("username", session.Profile.Username).Msg("signed in")
	return nil
}

func watchEvents(c *client.Client, logger zerolog.Logger) {
	ch, cancel, ok := c.Events().Subscribe()
	if !ok {
		logger.Warn().Msg("event bus at subscriber capacity")
		return
	}
	defer cancel()
	for event := range ch {
		logger.Info().Str("type", string(event.Type)).Str("payload", event.Payload).Msg("event")
	}
}

func watchRealtime(c *client.Client, logger zerolog.Logger) {
	ch, cancel, ok := c.Realtime().Subscribe()
	if !ok {
		logger.Warn().Msg("realtime channel at subscriber capacity")
		return
	}
	defer cancel()
	for msg := range ch {
		logger.Info().Str("type", msg.Type).RawJSON("payload", msg.Payload).Msg("realtime")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
