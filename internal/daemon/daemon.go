package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/ipc"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Options struct {
	// Listen is host:port for inbound peers. Empty disables listening.
	Listen      string
	Name        string
	KeyPath     string
	Keys        *crypto.KeyPair
	DownloadDir string
	SocketPath  string
	DBPath      string
	Node        node.Config
	Logger      *logrus.Logger
}

// Daemon hosts a node for the CLI: inbound files are saved to DownloadDir,
// every finished transfer is written to the ledger, and the IPC socket
// exposes the node's operations.
type Daemon struct {
	opts   Options
	logger *logrus.Logger

	node      *node.Node
	asm       *transfer.Assembler
	gdb       *gorm.DB
	transfers store.TransferRepository
	events    *ipc.Broker
	server    *ipc.Server

	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Daemon, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	cfg := opts.Node
	if cfg == (node.Config{}) {
		cfg = node.DefaultConfig()
	}

	keys := opts.Keys
	if keys == nil && opts.KeyPath != "" {
		kp, created, err := crypto.LoadOrGenerateKeyPair(opts.KeyPath, cfg.KeyBits)
		if err != nil {
			return nil, err
		}
		if created {
			log.Infof("Generated node key at %s", opts.KeyPath)
		}
		keys = kp
	}

	gdb, err := db.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		opts:      opts,
		logger:    log,
		asm:       transfer.NewAssembler(),
		gdb:       gdb,
		transfers: store.NewTransferStore(gdb),
		events:    ipc.NewBroker(),
	}

	d.node, err = node.New(node.Options{
		Config:     cfg,
		Keys:       keys,
		Name:       opts.Name,
		Logger:     log,
		OnMessage:  d.onMessage,
		OnStatus:   d.onStatus,
		OnProgress: d.onProgress,
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	d.server, err = ipc.Listen(opts.SocketPath, d.handle, d.events, log)
	if err != nil {
		_ = d.node.Close()
		_ = db.Close(gdb)
		return nil, err
	}
	return d, nil
}

func (d *Daemon) Node() *node.Node { return d.node }

// Run starts listening for peers and serves IPC until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.Listen != "" {
		host, port, err := splitHostPort(d.opts.Listen)
		if err != nil {
			return err
		}
		if err := d.node.StartListening(host, port); err != nil {
			return err
		}
	}
	d.logger.Infof("Daemon ready, node key %s", d.node.Fingerprint())

	err := d.server.Serve(ctx)
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close shuts down the node, the IPC server and the ledger.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		err := errors.Join(d.node.Close(), d.server.Close())
		<-d.node.Done()
		d.closeErr = errors.Join(err, db.Close(d.gdb))
	})
	return d.closeErr
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}
