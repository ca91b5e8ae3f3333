// server.go - Tunnel server instance.
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

package tunnel

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/pqtunnel/pqtunnel/core/log"
	"github.com/pqtunnel/pqtunnel/tunnel/config"
)

// Server is a tunnel server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	brokerAPI BrokerAPI
	listeners []*listener

	metricsServer *http.Server

	haltedCh chan interface{}
	haltOnce sync.Once
}

// Addresses returns the bound listener addresses, useful when listening on
// ephemeral ports.
func (s *Server) Addresses() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the Server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	for _, l := range s.listeners {
		l.Halt()
	}
	s.listeners = nil

	if s.metricsServer != nil {
		s.metricsServer.Close()
		s.metricsServer = nil
	}

	close(s.haltedCh)
	s.log.Notice("Shutdown complete.")
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
	}
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}

	// Initialize logging.
	var err error
	s.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	s.log = s.logBackend.GetLogger("tunnel")
	s.log.Noticef("Tunnel server identifier is: '%v'", cfg.Tunnel.Identifier)

	s.brokerAPI = NewBrokerAPI(cfg.Broker.ClaimURL, cfg.Broker.AuthToken)
	timeouts := sessionTimeouts{
		handshake: time.Duration(cfg.Debug.HandshakeTimeout) * time.Second,
		idle:      time.Duration(cfg.Debug.IdleTimeout) * time.Second,
		connect:   time.Duration(cfg.Debug.ConnectTimeout) * time.Second,
	}

	// Bring the listeners online.
	for i, addr := range cfg.Tunnel.Addresses {
		l, err := newListener(addr, s.brokerAPI, timeouts,
			s.logBackend.GetLogger(fmt.Sprintf("listener:%d", i)))
		if err != nil {
			for _, ll := range s.listeners {
				ll.Halt()
			}
			return nil, fmt.Errorf("tunnel: listener '%v': %v", addr, err)
		}
		s.listeners = append(s.listeners, l)
	}

	if cfg.Tunnel.MetricsAddress != "" {
		metricsLn, err := net.Listen("tcp", cfg.Tunnel.MetricsAddress)
		if err != nil {
			for _, ll := range s.listeners {
				ll.Halt()
			}
			return nil, fmt.Errorf("tunnel: metrics listen on '%v': %v", cfg.Tunnel.MetricsAddress, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Handler: metricsMux}
		go func() {
			if err := s.metricsServer.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("metrics listener failure: %v", err)
			}
		}()
		s.log.Noticef("Metrics listening on: %v", metricsLn.Addr())
	}

	return s, nil
}
