// main.go - Tunnel server binary.
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
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/pqtunnel/pqtunnel/tunnel"
	"github.com/pqtunnel/pqtunnel/tunnel/config"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Post-quantum ticket tunnel server",
		Long: `The tunnel server accepts client connections that present a one-time
ticket id, claims the matching ticket from the broker, connects to the
designated backend and relays traffic between the two.  Client traffic
is carried in authenticated encrypted records with per-direction keys
and strictly sequenced nonces; the backend side is plaintext TCP.`,
		Example: `  # Start the tunnel server with a custom configuration file
  tunnel -f /etc/pqtunnel/tunnel.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnel(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "tunnel.toml",
		"path to the tunnel server configuration file (TOML format)")

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

func runTunnel(configFile string) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the tunnel server.
	s, err := tunnel.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn tunnel server instance: %v", err)
	}
	defer s.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		s.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			s.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	s.Wait()
	return nil
}
