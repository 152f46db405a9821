package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cyberids/internal/artifacts"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		dir      = flag.String("dir", "artifacts", "Path to local artifacts directory")
		registry = flag.String("registry", "", "Model registry base URL")
		version  = flag.String("version", "", "Artifact version to fetch from the registry")
		timeout  = flag.Duration("timeout", 30*time.Second, "Registry request timeout")
		logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	store := artifacts.NewStore(*dir)

	if *version != "" {
		if *registry == "" {
			log.Fatal().Msg("-registry is required when fetching a version")
		}

		fetcher := artifacts.NewFetcher(*registry, *dir, *timeout)
		if err := fetcher.Fetch(context.Background(), *version); err != nil {
			log.Fatal().Err(err).Str("version", *version).Msg("fetch failed")
		}

		// Verify the fetched set actually loads before reporting success.
		if _, err := store.Load(*version); err != nil {
			log.Fatal().Err(err).Str("version", *version).Msg("fetched artifacts failed to load")
		}
		log.Info().Str("version", *version).Msg("artifact set fetched and verified")
	}

	versions, err := store.ListVersions()
	if err != nil {
		log.Fatal().Err(err).Msg("listing local versions failed")
	}

	if len(versions) == 0 {
		fmt.Println("no artifact versions found in", *dir)
		return
	}

	fmt.Println("local artifact versions (oldest first):")
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
}
