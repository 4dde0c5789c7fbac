package main

import "time"

const defaultConfigFile = "ecosystem.yaml"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

// configPath prefers a positional argument over --config.
func (g *GlobalFlags) configPath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if g.ConfigPath != "" {
		return g.ConfigPath
	}
	return defaultConfigFile
}

type RunFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type EnvFlags struct {
	Name     string
	Declared bool
}

type StatusFlags struct {
	Name string
	JSON bool
}

type StopFlags struct {
	Name string
	Wait time.Duration
}

// NameFlags serve start, restart and reload.
type NameFlags struct {
	Name string
}
