// main.go - Ticket broker binary.
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

	"github.com/pqtunnel/pqtunnel/broker"
	"github.com/pqtunnel/pqtunnel/broker/config"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Post-quantum tunnel ticket broker",
		Long: `The broker issues one-time encrypted tunnel tickets.  Clients submit an
ephemeral KEM public key, the broker encapsulates a fresh shared secret
against it and returns a sealed ticket holding the launcher payload and,
when requested, the bootstrap material for a relayed tunnel session.
Tunnel servers claim pending tickets through an authenticated endpoint;
every ticket resolves exactly once.`,
		Example: `  # Start the broker with a custom configuration file
  broker -f /etc/pqtunnel/broker.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "broker.toml",
		"path to the broker configuration file (TOML format)")

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

func runBroker(configFile string) error {
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

	// Start up the broker.
	b, err := broker.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn broker instance: %v", err)
	}
	defer b.Shutdown()

	// Halt the broker gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		b.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			b.RotateLog()
		}
	}()

	// Wait for the broker to explode or be terminated.
	b.Wait()
	return nil
}
