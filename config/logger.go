package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// InitLogger configures the global zerolog logger. Local and dev environments
// get a console writer, everything else logs JSON.
func InitLogger() {
	env := viper.GetString("env")
	var writer io.Writer = os.Stdout
	if env == "" || env == "local" || env == "dev" || env == "test" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Caller().Logger()
	SetLogLevel(viper.GetString("log_level"))
}

func SetLogLevel(level string) {
	if level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("[Config] [SetLogLevel] unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
