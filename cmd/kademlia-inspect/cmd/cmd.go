package cmd

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	optionNameFile       = "file"
	optionNameOwnAddress = "own-address"
	optionNameNetworkID  = "network-id"
	optionNameVerbosity  = "verbosity"
)

func init() {
	cobra.EnableCommandSorting = false
}

type command struct {
	root    *cobra.Command
	config  *viper.Viper
	cfgFile string
	homeDir string
	fs      afero.Fs
}

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		fs: afero.NewOsFs(),
		root: &cobra.Command{
			Use:           "kademlia-inspect",
			Short:         "inspect a dumped kademlia routing table",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig()
			},
		},
	}

	for _, o := range opts {
		o(c)
	}

	if err := c.setHomeDir(); err != nil {
		return nil, err
	}

	c.initGlobalFlags()

	if err := c.initInspectCmd(); err != nil {
		return nil, err
	}
	c.initVersionCmd()

	return c, nil
}

type option func(*command)

// WithArgs sets the command-line arguments the root command runs with, for
// tests that exercise Execute without touching os.Args.
func WithArgs(a ...string) option {
	return func(c *command) {
		c.root.SetArgs(a)
	}
}

// WithOutput redirects the root command's stdout/stderr, for tests to
// capture a subcommand's printed report.
func WithOutput(o io.Writer) option {
	return func(c *command) {
		c.root.SetOut(o)
		c.root.SetErr(o)
	}
}

// WithHomeDir overrides the directory newCommand otherwise resolves via
// os.UserHomeDir, so config-file discovery is hermetic in tests.
func WithHomeDir(dir string) option {
	return func(c *command) {
		c.homeDir = dir
	}
}

// WithFilesystem overrides the afero.Fs the inspect command loads the
// dumped table through, so tests can exercise it against an in-memory
// filesystem instead of the real one.
func WithFilesystem(fs afero.Fs) option {
	return func(c *command) {
		c.fs = fs
	}
}

func (c *command) Execute() (err error) {
	return c.root.Execute()
}

// Execute parses command line arguments and runs the appropriate subcommand.
func Execute() (err error) {
	c, err := newCommand()
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.kademlia-inspect.yaml)")
}

func (c *command) initConfig() (err error) {
	config := viper.New()
	configName := ".kademlia-inspect"
	if c.cfgFile != "" {
		config.SetConfigFile(c.cfgFile)
	} else {
		config.AddConfigPath(c.homeDir)
		config.SetConfigName(configName)
	}

	config.SetEnvPrefix("kademlia_inspect")
	config.AutomaticEnv()
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if c.homeDir != "" && c.cfgFile == "" {
		c.cfgFile = filepath.Join(c.homeDir, configName+".yaml")
	}

	if err := config.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return err
		}
	}
	c.config = config
	return nil
}

func (c *command) setHomeDir() (err error) {
	if c.homeDir != "" {
		return nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.homeDir = dir
	return nil
}
