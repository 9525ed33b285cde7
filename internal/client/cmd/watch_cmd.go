package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-chat/internal/client/client"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "prints messages and events from the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showProgress, _ := cmd.Flags().GetBool("progress")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return withClient(func(c *client.Client) error {
			return c.Watch(ctx, func(ev map[string]any) error {
				if line := formatEvent(ev, showProgress); line != "" {
					fmt.Println(line)
				}
				return nil
			})
		})
	},
}

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "lists the transfer ledger, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		dir, _ := cmd.Flags().GetString("direction")
		return withClient(func(c *client.Client) error {
			records, err := c.Transfers(limit, dir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tDIR\tPEER\tFILE\tSIZE\tSTATUS\tSHA256")
			for _, r := range records {
				sum := r.SHA256
				if len(sum) > 16 {
					sum = sum[:16]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt, r.Direction, r.PeerAddr, r.Filename, humanize.Bytes(uint64(r.Size)), r.Status, sum)
			}
			return w.Flush()
		})
	},
}

func init() {
	watchCmd.Flags().Bool("progress", false, "also print transfer progress events")
	transfersCmd.Flags().Int("limit", 20, "number of rows, 0 for all")
	transfersCmd.Flags().String("direction", "", "in or out")
}

func formatEvent(ev map[string]any, showProgress bool) string {
	peer := ""
	if m, ok := ev["peer"].(map[string]any); ok {
		p := client.PeerFromMap(m)
		peer = fmt.Sprintf("#%d (%s)", p.ID, p.Addr)
	}

	switch ev["event"] {
	case "message":
		from, _ := ev["from"].(string)
		if from == "" {
			from = peer
		}
		return fmt.Sprintf("<%s> %v", from, ev["text"])
	case "status":
		return fmt.Sprintf("* %v", ev["text"])
	case "incoming":
		size, _ := ev["size"].(float64)
		return fmt.Sprintf("* %s is sending %v (%s)", peer, ev["filename"], humanize.Bytes(uint64(size)))
	case "received":
		return fmt.Sprintf("* saved %v from %s to %v [%v]", ev["filename"], peer, ev["path"], ev["status"])
	case "warning":
		return fmt.Sprintf("! %s: %v", peer, ev["error"])
	case "progress":
		if !showProgress {
			return ""
		}
		sent, _ := ev["sent"].(float64)
		total, _ := ev["total"].(float64)
		return fmt.Sprintf("  %v to %s %s/%s", ev["filename"], peer, humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total)))
	default:
		keys := make([]string, 0, len(ev))
		for k := range ev {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev[k]))
		}
		return strings.Join(parts, " ")
	}
}
