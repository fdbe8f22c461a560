package main

import (
	"flag"

	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/logging"
	"github.com/roverlink/roverlink/internal/rover"
)

func main() {
	configPath := flag.String("config", "", "path to roverd config (TOML); built-in defaults when empty")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadRoverConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load rover config")
		}
		log.Info().Str("path", *configPath).Msg("loaded rover config")
	}

	if err := rover.NewService(cfg).Run(); err != nil {
		log.Fatal().Err(err).Msg("roverd stopped")
	}
}
