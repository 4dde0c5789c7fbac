package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand under the appvisor root.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createValidateCommand(globalFlags),
		createEnvCommand(globalFlags),
		createStatusCommand(globalFlags),
		createAppsCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createReloadCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appvisor",
		Short: "Supervise apps declared in an ecosystem file",
		Long: `Appvisor keeps the apps of an ecosystem file (JSON, YAML or TOML) running:
it launches every instance, restarts crashed ones within their restart
budget and serves a small control API.

Examples:
  appvisor run ecosystem.yaml        # supervise in the foreground
  appvisor validate ecosystem.json   # check a declaration
  appvisor status                    # ask the running daemon
  appvisor reload --name=api`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to the ecosystem/config file (default "+defaultConfigFile+")")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default http://127.0.0.1:9615/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "daemon API request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA bundle used to verify an https daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification of the daemon")
	return root
}
