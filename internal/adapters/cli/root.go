package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// NewRootCommand creates the root command for the CLI
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sectorwars",
		Short: "SectorWars - sector combat server and task agent",
		Long: `SectorWars runs the multiplayer sector combat server and the
LLM-driven task agent that plays a character against it.

Examples:
  sectorwars server
  sectorwars server --config configs/config.yaml
  sectorwars agent --character-id pilot-7 --task "patrol sector 12"
  sectorwars agent --server-url ws://game.example.com:8080/ws --task "collect the salvage in this sector"`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default: search ./configs and /etc/sectorwars)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose output")

	rootCmd.AddCommand(NewServerCommand())
	rootCmd.AddCommand(NewAgentCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
