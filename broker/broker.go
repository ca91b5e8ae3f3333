// broker.go - Ticket broker instance.
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

package broker

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/pqtunnel/pqtunnel/broker/config"
	"github.com/pqtunnel/pqtunnel/broker/store"
	"github.com/pqtunnel/pqtunnel/broker/store/boltstore"
	"github.com/pqtunnel/pqtunnel/broker/store/memstore"
	"github.com/pqtunnel/pqtunnel/core/log"
	"github.com/pqtunnel/pqtunnel/core/worker"
)

type staticProvider struct {
	payload []byte
}

func (p *staticProvider) LauncherPayload(wantsTunnel bool) ([]byte, error) {
	return p.payload, nil
}

func newProvider(cfg *config.Launcher) (Provider, error) {
	if cfg.PayloadFile != "" {
		b, err := os.ReadFile(cfg.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("broker: read launcher payload: %v", err)
		}
		return &staticProvider{payload: b}, nil
	}
	return &staticProvider{payload: []byte(cfg.Payload)}, nil
}

// Broker is a ticket broker instance.
type Broker struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	store   store.Store
	service *Service

	apiServer     *http.Server
	metricsServer *http.Server

	haltOnce sync.Once
}

// Shutdown cleanly shuts down a given Broker instance.
func (b *Broker) Shutdown() {
	b.haltOnce.Do(func() { b.halt() })
}

// Wait waits till the Broker is terminated for any reason.
func (b *Broker) Wait() {
	<-b.HaltCh()
	b.Worker.Wait()
}

func (b *Broker) halt() {
	b.log.Notice("Starting graceful shutdown.")

	if b.apiServer != nil {
		b.apiServer.Close()
	}
	if b.metricsServer != nil {
		b.metricsServer.Close()
	}

	b.Halt()

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warningf("Failed to close ticket store: %v", err)
		}
		b.store = nil
	}

	b.log.Notice("Shutdown complete.")
}

// RotateLog rotates the log file if logging to a file is enabled.
func (b *Broker) RotateLog() {
	if err := b.logBackend.Rotate(); err != nil {
		b.log.Errorf("Failed to rotate log file: %v", err)
	}
}

func (b *Broker) sweepWorker() {
	ttl := time.Duration(b.cfg.Storage.TicketTTL) * time.Second
	interval := time.Duration(b.cfg.Storage.SweepInterval) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.HaltCh():
			return
		case <-ticker.C:
		}
		removed, err := b.store.Sweep(time.Now().Add(-ttl))
		if err != nil {
			b.log.Warningf("Ticket sweep failed: %v", err)
			continue
		}
		if removed > 0 {
			ticketsExpired.Add(float64(removed))
			b.log.Debugf("Swept %d expired tunnel ticket(s).", removed)
		}
	}
}

func (b *Broker) serve(srv *http.Server, ln net.Listener, what string) {
	b.Go(func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Errorf("%s listener failure: %v", what, err)
		}
	})
}

// New returns a new Broker instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Broker, error) {
	b := &Broker{cfg: cfg}

	// Initialize logging.
	var err error
	b.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	b.log = b.logBackend.GetLogger("broker")
	b.log.Noticef("Broker identifier is: '%v'", cfg.Broker.Identifier)

	isOk := false
	defer func() {
		if !isOk {
			b.Shutdown()
		}
	}()

	// Initialize the data directory.
	if err := os.MkdirAll(cfg.Broker.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("broker: DataDir '%v': %v", cfg.Broker.DataDir, err)
	}

	// Bring the ticket store online.
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		b.store, err = boltstore.New(cfg.Storage.File)
	case config.BackendMemory:
		b.store = memstore.New()
	default:
		err = fmt.Errorf("broker: unknown storage backend '%v'", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	scheme := kemschemes.ByName(cfg.Broker.KEMScheme)
	if scheme == nil {
		return nil, fmt.Errorf("broker: unknown KEM scheme '%v'", cfg.Broker.KEMScheme)
	}

	provider, err := newProvider(cfg.Launcher)
	if err != nil {
		return nil, err
	}
	target := Target{Host: cfg.Launcher.TargetHost, Port: cfg.Launcher.TargetPort}
	b.service = NewService(scheme, b.store, provider, target, b.logBackend.GetLogger("broker/service"))

	// Bring the API listener online.
	apiLn, err := net.Listen("tcp", cfg.Broker.Address)
	if err != nil {
		return nil, fmt.Errorf("broker: listen on '%v': %v", cfg.Broker.Address, err)
	}
	b.apiServer = &http.Server{
		Handler:           NewHandler(b.service, cfg.Broker.ClaimAuthToken, b.logBackend.GetLogger("broker/httpd")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.serve(b.apiServer, apiLn, "API")
	b.log.Noticef("Listening on: %v", apiLn.Addr())

	if cfg.Broker.MetricsAddress != "" {
		metricsLn, err := net.Listen("tcp", cfg.Broker.MetricsAddress)
		if err != nil {
			return nil, fmt.Errorf("broker: metrics listen on '%v': %v", cfg.Broker.MetricsAddress, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		b.metricsServer = &http.Server{Handler: metricsMux}
		b.serve(b.metricsServer, metricsLn, "metrics")
		b.log.Noticef("Metrics listening on: %v", metricsLn.Addr())
	}

	b.Go(b.sweepWorker)

	isOk = true
	return b, nil
}
