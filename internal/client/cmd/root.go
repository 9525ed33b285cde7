package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rudransh-shrivastava/peer-chat/internal/client/client"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "PEERCHAT"

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           `peerchat`,
	Short:         `encrypted peer to peer chat and file transfer`,
	Long:          `peerchat connects directly to other peers over TCP, exchanges an RSA wrapped AES-256 session key and sends messages and files over AES-GCM`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := v.BindPFlags(cmd.LocalFlags()); err != nil {
			return err
		}
		return loadConfig()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default $HOME/.peerchat/config.yaml)")
	f.String("home", defaultHome(), "directory for the key, ledger and socket")
	f.String("socket", "", "daemon control socket (default <home>/daemon.sock)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlags(f)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(transfersCmd)
	rootCmd.AddCommand(keygenCmd)
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".peerchat"
	}
	return filepath.Join(home, ".peerchat")
}

func setDefaults(v *viper.Viper) {
	d := node.DefaultConfig()
	v.SetDefault("listen", "0.0.0.0:7000")
	v.SetDefault("name", "")
	v.SetDefault("chunk-size", d.ChunkSize)
	v.SetDefault("key-bits", d.KeyBits)
	v.SetDefault("handshake-timeout", d.HandshakeTimeout)
	v.SetDefault("connect-timeout", d.ConnectTimeout)
	v.SetDefault("max-frame-size", d.MaxFrameSize)
}

// loadConfig layers flags over PEERCHAT_* variables over the config file.
func loadConfig() error {
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("home"))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func homePath(key, name string) string {
	if p := v.GetString(key); p != "" {
		return p
	}
	return filepath.Join(v.GetString("home"), name)
}

func socketPath() string { return homePath("socket", "daemon.sock") }

func newLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	return logger.NewLoggerWithLevel(os.Stdout, level), nil
}

func dial() (*client.Client, error) {
	return client.NewClient(socketPath())
}

// withClient runs fn against the daemon and closes the connection after.
func withClient(fn func(c *client.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
