package cmd

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rudransh-shrivastava/peer-chat/internal/client/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "shows the daemon's key fingerprint and listen address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *client.Client) error {
			res, err := c.Status()
			if err != nil {
				return err
			}
			fmt.Printf("fingerprint  %v\n", res["fingerprint"])
			fmt.Printf("listening    %v\n", valueOr(res["listen"], "no"))
			fmt.Printf("peers        %v\n", res["peers"])
			fmt.Printf("downloads    %v\n", res["downloads"])
			return nil
		})
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "lists connected peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *client.Client) error {
			peers, err := c.Peers()
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("no peers")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tROLE\tSTATE\tKEY")
			for _, p := range peers {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Addr, p.Role, p.State, p.Fingerprint)
			}
			return w.Flush()
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect host:port",
	Short: "connects to a peer",
	Long:  `dials a peer and starts the key exchange, use peers or watch to see when the session is established`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := splitHostPort(args[0])
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetInt("timeout")
		return withClient(func(c *client.Client) error {
			p, err := c.Connect(host, port, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("connected to %s as peer #%d\n", p.Addr, p.ID)
			return nil
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect id",
	Short: "closes the session with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePeerID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(c *client.Client) error {
			return c.Disconnect(id)
		})
	},
}

func init() {
	connectCmd.Flags().Int("timeout", 0, "connect timeout in seconds (default from daemon config)")
}

func parsePeerID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid peer id %q", s)
	}
	return id, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

func valueOr(v any, def string) any {
	if v == nil {
		return def
	}
	return v
}
