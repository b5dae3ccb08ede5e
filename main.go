package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/ptgott/testmail/dispatch"
	"github.com/ptgott/testmail/storage"
	"github.com/ptgott/testmail/userconfig"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Log with filename and line number. This writes to stderr, so stdout
	// carries nothing but the result.
	log.Logger = log.With().Caller().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Intercept interrupts so we can get more visibility into them. The
	// context stops an in-flight SMTP exchange.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func(c chan os.Signal) {
		<-c
		log.Info().Msg("interrupt: exiting")
		cancel()
	}(sigCh)

	configPath := flag.String(
		"config",
		"",
		"path to an optional JSON or YAML file containing your configuration",
	)
	envFile := flag.String(
		"envfile",
		userconfig.DefaultEnvFile,
		"path to an optional file of TESTMAIL_* environment variables",
	)
	dryRun := flag.Bool(
		"dry-run",
		false,
		"print the composed message to stdout instead of sending it",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	relay := flag.String("relay", "", "host:port of the SMTP relay (default localhost:2525)")
	from := flag.String("from", "", "sender address")
	to := flag.String("to", "", "recipient address")
	subject := flag.String("subject", "", "subject line")
	body := flag.String("body", "", "plain-text body")
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	config := &userconfig.Meta{}
	if *configPath != "" {
		c, err := userconfig.ParseFile(*configPath)
		if err != nil {
			log.Error().
				Str("config-path", *configPath).
				Err(err).
				Msg("Problem parsing your config")
			os.Exit(1)
		}
		config = c
	}

	env, err := userconfig.ReadEnv(*envFile)
	if err != nil {
		log.Error().Err(err).Msg("Problem reading the environment")
		os.Exit(1)
	}
	config.ApplyEnv(env)

	// Only flags the user actually passed override the other sources
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "relay":
			config.EmailSettings.RelayAddress = *relay
		case "from":
			config.EmailSettings.FromAddress = *from
		case "to":
			config.EmailSettings.ToAddress = *to
		case "subject":
			config.EmailSettings.Subject = *subject
		case "body":
			config.EmailSettings.Body = *body
		}
	})
	config.DryRun = *dryRun

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		os.Exit(1)
	}

	db, err := storage.Open(&checkedConfig.History)
	if err != nil {
		log.Error().
			Err(err).
			Str("history-dir", checkedConfig.History.StorageDirPath).
			Msg("Problem opening the send history")
		os.Exit(1)
	}

	err = dispatch.Run(ctx, &checkedConfig, &dispatch.Config{
		OutputWr: os.Stdout,
		History:  db,
	})

	if cerr := db.Cleanup(); cerr != nil {
		log.Warn().Err(cerr).Msg("can't clean up the send history")
	}
	if cerr := db.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("can't close the send history")
	}

	if err != nil {
		log.Error().
			Err(err).
			Str("relay", checkedConfig.EmailSettings.RelayAddress).
			Msg("Could not send the test email")
		os.Exit(1)
	}
}
