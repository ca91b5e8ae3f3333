// main.go - Ticket client binary.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/pqtunnel/pqtunnel/client"
)

type clientFlags struct {
	BrokerURL  string
	KEMScheme  string
	TunnelAddr string
}

func newRootCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Post-quantum tunnel ticket client",
		Long: `The client requests a one-time encrypted ticket from a broker using a
fresh ephemeral KEM keypair, prints the launcher payload, and optionally
connects to a tunnel server with the issued ticket, relaying stdin and
stdout through the encrypted tunnel.`,
		Example: `  # Request a ticket and print the launcher payload
  client --broker http://broker.example.com:7443

  # Request a tunneled ticket and pipe stdio through the tunnel
  client --broker http://broker.example.com:7443 --tunnel tunnel.example.com:8443`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(&flags)
		},
	}

	cmd.Flags().StringVarP(&flags.BrokerURL, "broker", "b", "http://127.0.0.1:7443",
		"broker base URL")
	cmd.Flags().StringVarP(&flags.KEMScheme, "scheme", "s", "MLKEM768",
		"KEM scheme name")
	cmd.Flags().StringVarP(&flags.TunnelAddr, "tunnel", "t", "",
		"tunnel server address; when set, stdio is relayed through the tunnel")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runClient(flags *clientFlags) error {
	c, err := client.New(flags.BrokerURL, flags.KEMScheme)
	if err != nil {
		return err
	}

	ctx := context.Background()
	wantsTunnel := flags.TunnelAddr != ""
	r, err := c.RequestTicket(ctx, wantsTunnel)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "launcher payload: %s\n", r.Launcher)
	if !wantsTunnel {
		return nil
	}

	conn, err := client.DialTunnel(ctx, flags.TunnelAddr, r.Keys)
	if err != nil {
		return err
	}
	defer conn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(conn, os.Stdin)
		conn.Close()
	}()
	_, err = io.Copy(os.Stdout, conn)
	wg.Wait()
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}
