package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/config"
	"github.com/scalarorg/oracle-bridge/internal/bridge"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	environment   string
	configPath    string
	resume        bool
	skip          bool
	fromBlock     uint64
	toBlock       uint64
	confirmations uint64
	rootCmd       = &cobra.Command{
		Use:   config.APP_NAME,
		Short: "Bridge between an EVM connector contract and the oracle API",
		Run:   run,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) {
	config.InitLogger()
	bindChangedFlags(cmd)
	if err := config.Load(environment); err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	config.SetLogLevel(config.GlobalConfig.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := bridge.NewService(ctx, config.GlobalConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bridge service")
	}
	if err := service.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge service stopped with error")
	}
	log.Info().Msg("Shutting down oracle bridge...")
}

// bindChangedFlags copies explicitly set flags into viper so they override
// the config file, defaults stay with the file.
func bindChangedFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("config") {
		viper.Set("config_path", configPath)
	}
	if flags.Changed("resume") {
		viper.Set("bridge.resume", resume)
	}
	if flags.Changed("skip") {
		viper.Set("bridge.skip", skip)
	}
	if flags.Changed("from") {
		viper.Set("bridge.from", fromBlock)
	}
	if flags.Changed("to") {
		viper.Set("bridge.to", toBlock)
	}
	if flags.Changed("confirmation") {
		viper.Set("chain.confirmations", confirmations)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&environment, "env", "local", "Environment name, selects config.<env>.json")
	flags.StringVar(&configPath, "config", "data/config", "Directory holding the configuration files")
	flags.BoolVar(&resume, "resume", false, "Resume every pending query, including failed and exhausted ones")
	flags.BoolVar(&skip, "skip", false, "Skip all pending queries at startup")
	flags.Uint64Var(&fromBlock, "from", 0, "Re-read connector logs starting at this block")
	flags.Uint64Var(&toBlock, "to", 0, "Re-read connector logs up to this block")
	flags.Uint64Var(&confirmations, "confirmation", 0, "Blocks before a block is considered reorg safe")
	viper.BindPFlag("env", flags.Lookup("env"))
}
