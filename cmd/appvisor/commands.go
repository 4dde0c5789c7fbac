package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/pkg/client"
	"github.com/spf13/cobra"
)

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a declaration and print the resolved apps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdValidate(cmd.OutOrStdout(), globalFlags.configPath(args))
		},
	}
}

func createEnvCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &EnvFlags{}
	cmd := &cobra.Command{
		Use:   "env [file]",
		Short: "Print the environment an app's children start with",
		Long: `Print the OS environment, env_files, the global env list and the app's
own env merged in the order children see them. NODE_APP_INSTANCE is set
per instance at launch and not shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdEnv(cmd.OutOrStdout(), globalFlags.configPath(args), f.Name, f.Declared)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app name")
	cmd.Flags().BoolVar(&f.Declared, "declared", false, "omit the inherited OS environment")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show instance states from the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd.Context(), globalFlags)
			if err != nil {
				return err
			}
			return cmdStatus(cmd.Context(), cmd.OutOrStdout(), c, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app name (default all)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
	return cmd
}

func createAppsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the apps declared in the running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd.Context(), globalFlags)
			if err != nil {
				return err
			}
			apps, err := c.Apps(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), apps)
			return nil
		},
	}
}

func createStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return nameCommand(globalFlags, "start", "Start an app (or all) with a fresh restart budget",
		func(ctx context.Context, c *client.Client, name string) error { return c.Start(ctx, name) })
}

func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return nameCommand(globalFlags, "restart", "Stop and start an app (or all), resetting its counters",
		func(ctx context.Context, c *client.Client, name string) error { return c.Restart(ctx, name) })
}

func createReloadCommand(globalFlags *GlobalFlags) *cobra.Command {
	return nameCommand(globalFlags, "reload", "Replace the children of an app (or all), keeping its counters",
		func(ctx context.Context, c *client.Client, name string) error { return c.Reload(ctx, name) })
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an app (or all); it stays stopped until started again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd.Context(), globalFlags)
			if err != nil {
				return err
			}
			return cmdStop(cmd.Context(), cmd.OutOrStdout(), c, *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app name or all")
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "grace period before SIGKILL (default the app's kill_timeout)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

type nameOp func(ctx context.Context, c *client.Client, name string) error

func nameCommand(globalFlags *GlobalFlags, use, short string, op nameOp) *cobra.Command {
	f := &NameFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd.Context(), globalFlags)
			if err != nil {
				return err
			}
			return cmdNameOp(cmd.Context(), cmd.OutOrStdout(), c, use, f.Name, op)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "app name or all")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// newClient connects to the daemon and fails early when it is not running.
func newClient(ctx context.Context, g *GlobalFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if g.APIUrl != "" {
		cfg.BaseURL = g.APIUrl
	}
	if g.APITimeout > 0 {
		cfg.Timeout = g.APITimeout
	}
	cfg.CACert = g.CACert
	cfg.Insecure = g.Insecure
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'appvisor run'", cfg.BaseURL)
	}
	return c, nil
}

func cmdValidate(w io.Writer, path string) error {
	cfg, err := appvisor.LoadConfig(path)
	if err != nil {
		return err
	}
	printSpecTable(w, cfg.Apps)
	_, _ = fmt.Fprintf(w, "%s: %d app(s) OK\n", path, len(cfg.Apps))
	return nil
}

func cmdEnv(w io.Writer, path, name string, declaredOnly bool) error {
	cfg, err := appvisor.LoadConfig(path)
	if err != nil {
		return err
	}
	var spec *appvisor.Spec
	for i := range cfg.Apps {
		if cfg.Apps[i].Name == name {
			spec = &cfg.Apps[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("%w: %s", appvisor.ErrUnknownApp, name)
	}
	inherited := make(map[string]string)
	if !declaredOnly {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				inherited[k] = v
			}
		}
	}
	global, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	for _, kv := range global {
		if k, v, ok := strings.Cut(kv, "="); ok {
			inherited[k] = v
		}
	}
	merged := appvisor.MergeEnvironment(*spec, inherited)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s=%s\n", k, merged[k])
	}
	return nil
}

func cmdStatus(ctx context.Context, w io.Writer, c *client.Client, f StatusFlags) error {
	sts, err := c.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(w, sts)
		return nil
	}
	printStatusTable(w, sts)
	return nil
}

func cmdStop(ctx context.Context, w io.Writer, c *client.Client, f StopFlags) error {
	if err := c.Stop(ctx, f.Name, f.Wait); err != nil {
		return err
	}
	return cmdStatus(ctx, w, c, StatusFlags{Name: statusName(f.Name)})
}

func cmdNameOp(ctx context.Context, w io.Writer, c *client.Client, use, name string, op nameOp) error {
	if err := op(ctx, c, name); err != nil {
		return fmt.Errorf("%s %s: %w", use, name, err)
	}
	return cmdStatus(ctx, w, c, StatusFlags{Name: statusName(name)})
}

// statusName maps "all" to the unfiltered status query.
func statusName(name string) string {
	if name == "all" {
		return ""
	}
	return name
}
