package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/client/client"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send text...",
	Short: "sends a message to every peer, or one with --to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := toFlag(cmd)
		if err != nil {
			return err
		}
		return withClient(func(c *client.Client) error {
			return c.SendText(strings.Join(args, " "), to)
		})
	},
}

var fileCmd = &cobra.Command{
	Use:   "file path",
	Short: "sends a file to every peer, or one with --to",
	Long:  `sends a file and shows progress until every transfer completes, pass --no-wait to return once the transfers are queued`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := toFlag(cmd)
		if err != nil {
			return err
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		noWait, _ := cmd.Flags().GetBool("no-wait")
		if noWait {
			return withClient(func(c *client.Client) error {
				ids, err := c.SendFile(path, to)
				if err == nil {
					fmt.Printf("queued %d transfers\n", len(ids))
				}
				return err
			})
		}
		return sendFileWithProgress(path, to)
	},
}

func init() {
	sendCmd.Flags().String("to", "", "peer id")
	fileCmd.Flags().String("to", "", "peer id")
	fileCmd.Flags().Bool("no-wait", false, "do not wait for the transfers to finish")
}

func toFlag(cmd *cobra.Command) (uint64, error) {
	s, _ := cmd.Flags().GetString("to")
	if s == "" {
		return 0, nil
	}
	return parsePeerID(s)
}

// sendFileWithProgress shows one bar for every transfer started for path
// and returns when all of them have ended.
func sendFileWithProgress(path string, to uint64) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	watcher, err := dial()
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	events := make(chan map[string]any, 256)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- watcher.Watch(ctx, func(ev map[string]any) error {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
			return nil
		})
	}()

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ids, err := c.SendFile(path, to)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no established peers")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	t := newTracker(filepath.Base(path), st.Size(), ids)
	for !t.done() {
		select {
		case ev := <-events:
			t.handle(ev)
		case <-ticker.C:
			records, err := c.Transfers(0, "out")
			if err != nil {
				return err
			}
			t.reconcile(records)
		case err := <-watchErr:
			if err == nil {
				err = errors.New("daemon closed the event stream")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.err()
}
