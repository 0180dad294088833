// Program mudbot keeps a set of registered bot identities logged into their
// MUD servers, one independent telnet session per identity.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"mudbot/config"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "MUDBOT_CONFIG_PATH"
)

// Version is stamped at build time.
var Version = "dev"

// exitCode ends the process with a status other than 1 without printing an
// error.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

type app struct {
	configPath string
	cfg        *config.Config
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Purpose: Run the command line and map its outcome to a process status.
// Key aspects: exitCode errors pass their status through silently; any other
// error is printed and yields 1.
// Upstream: main, tests.
// Downstream: newRootCmd.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "mudbot",
		Short:         "Run scripted bots against MUD servers",
		Long:          "mudbot logs registered bot identities into their MUD servers over telnet, records every line they receive, and reconnects them independently when a session fails.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")

	rootCmd.AddCommand(
		newRunCmd(a),
		newBotCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source := a.cfg.LoadedFrom
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded from %s\n", source)
			a.cfg.Print(cmd.OutOrStdout())
			return nil
		},
	}
}

// Purpose: Load configuration from the flag, env, or default location.
// Key aspects: An explicit path must exist; a missing default location falls
// back to built-in defaults.
// Upstream: root command pre-run.
// Downstream: config.Load.
func loadConfig(flagPath string, stderr io.Writer) (*config.Config, error) {
	if path := strings.TrimSpace(flagPath); path != "" {
		return config.Load(path)
	}
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		return config.Load(envPath)
	}
	cfg, err := config.Load(defaultConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "No config at %s; using defaults\n", defaultConfigPath)
		return config.Default(), nil
	}
	return cfg, err
}
