package cli

import (
	"fmt"
	"os"

	"github.com/flowbaker/flowguard/internal/config"
	"github.com/flowbaker/flowguard/internal/initialization"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	debug      bool
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "flowguard",
		Short: "Flowguard credential vault and trigger gate",
		Long: `Flowguard stores workflow credentials encrypted, keeps OAuth tokens healthy and
admits cron and webhook triggered runs only for workflows whose credentials are healthy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a config file (default: flowguard.yaml in ., ./config or $HOME/.flowguard)")

	rootCmd.AddCommand(NewServeCommand(opts))
	rootCmd.AddCommand(NewGenerateKeyCommand())
	rootCmd.AddCommand(NewCredentialsCommand(opts))
	rootCmd.AddCommand(NewAdminTokenCommand(opts))
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

func (o *rootOptions) container() (*initialization.Container, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}

	return initialization.NewContainer(cfg, initialization.ContainerOptions{})
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
