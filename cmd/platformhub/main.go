package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/config"
	"github.com/olajaido/platform-hub/pkg/credentials"
	"github.com/olajaido/platform-hub/pkg/logger"
)

var buildVersion = "dev"

// app carries what every command needs once flags and config are resolved.
type app struct {
	out io.Writer
	err io.Writer
	in  io.Reader

	configFile string
	apiURL     string
	logLevel   string
	output     string

	v     *viper.Viper
	cfg   config.CLIConfig
	log   *slog.Logger
	store *credentials.FileStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{out: os.Stdout, err: os.Stderr, in: os.Stdin}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "platformhub",
		Short:         "Provision cloud resources and follow their deployments",
		Version:       buildVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.err)
	if a.in != nil {
		root.SetIn(a.in)
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/platformhub/config.yaml)")
	flags.StringVar(&a.apiURL, "api", "", "API base URL")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flags.StringVarP(&a.output, "output", "o", "", "Output format (table|json|yaml)")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newDeploymentsCmd(a),
		newStacksCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.v = config.NewCLIViper(a.configFile)
	flags := cmd.Flags()
	for key, name := range map[string]string{"api_url": "api", "log_level": "log-level", "output": "output"} {
		if f := flags.Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := config.LoadCLIConfig(a.v)
	if err != nil {
		return err
	}
	switch strings.ToLower(cfg.Output) {
	case "", "table":
		cfg.Output = "table"
	case "json", "yaml":
		cfg.Output = strings.ToLower(cfg.Output)
	default:
		return fmt.Errorf("unsupported output format %q", cfg.Output)
	}
	a.cfg = cfg
	a.log = logger.NewText(a.err, "platformhub", logger.ParseLevel(cfg.LogLevel))
	a.store = credentials.NewFileStore(cfg.CredentialsFile, a.log)
	return nil
}

// client builds an API client that reads the stored token and forgets it
// when the API rejects it.
func (a *app) client() (*client.Client, error) {
	return client.New(a.cfg.APIBaseURL,
		client.WithTokenSource(a.store),
		client.WithUnauthorizedHook(func() {
			if err := a.store.Clear(); err != nil {
				a.log.Warn("clear stored token", "error", err)
				return
			}
			a.log.Info("stored token rejected and removed", "path", a.store.Path())
		}),
	)
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.out, strings.TrimSpace(buildVersion))
			return nil
		},
	}
}
