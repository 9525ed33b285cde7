package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-chat/internal/daemon"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "runs the peerchat daemon",
	Long:  `runs the peerchat node in the foreground, the other commands talk to it over a unix socket`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		cfg := node.Config{
			ChunkSize:        v.GetInt("chunk-size"),
			HandshakeTimeout: v.GetDuration("handshake-timeout"),
			ConnectTimeout:   v.GetDuration("connect-timeout"),
			MaxFrameSize:     v.GetUint32("max-frame-size"),
			KeyBits:          v.GetInt("key-bits"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		d, err := daemon.New(daemon.Options{
			Listen:      v.GetString("listen"),
			Name:        v.GetString("name"),
			KeyPath:     homePath("key", "node.pem"),
			DownloadDir: homePath("downloads", "downloads"),
			SocketPath:  socketPath(),
			DBPath:      homePath("db", "peerchat.db"),
			Node:        cfg,
			Logger:      log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

func init() {
	f := daemonCmd.Flags()
	f.String("listen", "0.0.0.0:7000", "address to accept peers on, empty to disable")
	f.String("name", "", "name sent with every message")
	f.String("downloads", "", "directory for received files (default <home>/downloads)")
	f.String("db", "", "transfer ledger (default <home>/peerchat.db)")
	f.String("key", "", "PEM private key, created if missing (default <home>/node.pem)")
	f.Int("chunk-size", node.DefaultChunkSize, "bytes per file chunk")
}
