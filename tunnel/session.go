// session.go - Tunnel session state machine and relay.
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
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
	"github.com/pqtunnel/pqtunnel/crypto/stream"
	"github.com/pqtunnel/pqtunnel/crypto/ticket"
)

const promNamespace = "pqtunnel"

var (
	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "tunnel",
			Name:      "sessions_total",
			Help:      "Number of sessions that reached the relay state",
		},
	)
	sessionRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "tunnel",
			Name:      "session_rejects_total",
			Help:      "Number of sessions rejected before the relay state",
		},
		[]string{"reason"},
	)
	bytesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "tunnel",
			Name:      "bytes_relayed_total",
			Help:      "Relayed payload bytes",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(sessionRejects)
	prometheus.MustRegister(bytesRelayed)
}

const (
	rejectMalformedHandshake = "malformed_handshake"
	rejectUnknownTicket      = "unknown_ticket"
	rejectClaimFailure       = "claim_failure"
	rejectBackendUnreachable = "backend_unreachable"
)

type sessionState int

const (
	stateAwaitingTicketID sessionState = iota
	stateValidating
	stateConnected
	stateRelaying
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingTicketID:
		return "AwaitingTicketID"
	case stateValidating:
		return "Validating"
	case stateConnected:
		return "Connected"
	case stateRelaying:
		return "Relaying"
	case stateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("[unknown state: %d]", s)
	}
}

// sessionTimeouts bundles the per-session deadlines.
type sessionTimeouts struct {
	handshake time.Duration
	idle      time.Duration
	connect   time.Duration
}

type session struct {
	log       *logging.Logger
	conn      net.Conn
	backend   net.Conn
	brokerAPI BrokerAPI
	timeouts  sessionTimeouts

	state    sessionState
	ticketID string

	bytesUp   uint64
	bytesDown uint64

	closeConnectionCh chan interface{}
	closedCh          chan interface{}
}

func newSession(conn net.Conn, api BrokerAPI, timeouts sessionTimeouts, log *logging.Logger) *session {
	return &session{
		log:               log,
		conn:              conn,
		brokerAPI:         api,
		timeouts:          timeouts,
		state:             stateAwaitingTicketID,
		closeConnectionCh: make(chan interface{}),
		closedCh:          make(chan interface{}),
	}
}

// Close forces session teardown from the outside and does not wait.
func (s *session) Close() {
	close(s.closeConnectionCh)
}

// readTicketID reads the ticket presentation frame, a 2 byte big endian
// length followed by the ticket id.
func (s *session) readTicketID() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeouts.handshake)); err != nil {
		return "", err
	}

	var hdr [2]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return "", err
	}
	frameLen := binary.BigEndian.Uint16(hdr[:])
	if frameLen != ticket.IDLength {
		return "", fmt.Errorf("tunnel: ticket id frame length %d", frameLen)
	}
	id := make([]byte, frameLen)
	if _, err := io.ReadFull(s.conn, id); err != nil {
		return "", err
	}
	if err := ticket.ValidateID(string(id)); err != nil {
		return "", err
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	return string(id), nil
}

// worker drives the session from ticket presentation to teardown.  The
// accepted connection is always closed on return, and nothing is ever
// written to a peer that fails validation.
func (s *session) worker() {
	defer func() {
		s.state = stateClosed
		s.conn.Close()
		if s.backend != nil {
			s.backend.Close()
		}
		close(s.closedCh)
	}()

	// Force-close watcher for listener initiated teardown.  Only the
	// accepted conn is touched here: the relay pumps notice the close
	// and the deferred cleanup above closes the backend, so the watcher
	// never races the worker's backend assignment.
	go func() {
		select {
		case <-s.closeConnectionCh:
			s.conn.Close()
		case <-s.closedCh:
		}
	}()

	id, err := s.readTicketID()
	if err != nil {
		s.log.Debugf("Rejecting connection from %v: %v", s.conn.RemoteAddr(), err)
		sessionRejects.WithLabelValues(rejectMalformedHandshake).Inc()
		return
	}
	s.ticketID = id

	s.state = stateValidating
	ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.handshake)
	tt, err := s.brokerAPI.Claim(ctx, id)
	cancel()
	switch err {
	case nil:
	case ErrTicketNotFound:
		s.log.Warningf("Rejecting connection from %v: unknown or consumed ticket", s.conn.RemoteAddr())
		sessionRejects.WithLabelValues(rejectUnknownTicket).Inc()
		return
	default:
		s.log.Errorf("Ticket claim failed: %v", err)
		sessionRejects.WithLabelValues(rejectClaimFailure).Inc()
		return
	}
	defer zeroSecret(tt.Secret)

	backendAddr := net.JoinHostPort(tt.Host, fmt.Sprintf("%d", tt.Port))
	dialer := net.Dialer{Timeout: s.timeouts.connect}
	s.backend, err = dialer.Dial("tcp", backendAddr)
	if err != nil {
		// Backend unreachability is not a crypto failure and is
		// reported as such, though the client just sees a close.
		s.log.Errorf("Failed to connect to backend '%v': %v", backendAddr, err)
		sessionRejects.WithLabelValues(rejectBackendUnreachable).Inc()
		return
	}
	s.state = stateConnected

	m := derive.Derive(tt.Secret)
	defer m.Reset()
	opener, err := stream.NewCipher(m.DirAKey[:], tt.NonceA)
	if err != nil {
		s.log.Errorf("Failed to initialize opener: %v", err)
		return
	}
	sealer, err := stream.NewCipher(m.DirBKey[:], tt.NonceB)
	if err != nil {
		s.log.Errorf("Failed to initialize sealer: %v", err)
		return
	}

	s.state = stateRelaying
	sessionsTotal.Inc()
	s.log.Debugf("Relaying session %v: %v <-> %v", s.ticketID[:8], s.conn.RemoteAddr(), backendAddr)

	s.relay(opener, sealer)

	s.log.Debugf("Session %v done: %d bytes up, %d bytes down",
		s.ticketID[:8], atomic.LoadUint64(&s.bytesUp), atomic.LoadUint64(&s.bytesDown))
}

// relay runs the two direction pumps until either direction fails or the
// whole session goes idle.  The first failure tears down both transports;
// a record that fails to authenticate is never forwarded.  The idle clock
// is shared: traffic in either direction keeps the session alive, only a
// session with no traffic at all is reaped.
func (s *session) relay(opener, sealer *stream.Cipher) {
	var wg sync.WaitGroup
	wg.Add(2)

	teardown := func() {
		s.conn.Close()
		s.backend.Close()
	}
	var teardownOnce sync.Once

	var lastActivity int64
	atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
	touch := func() {
		atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
	}

	pumpsDone := make(chan interface{})

	// Idle supervisor.  The pumps block on reads without deadlines; this
	// reaps the session once both directions have been silent for the
	// idle interval.
	go func() {
		tick := s.timeouts.idle / 4
		if tick < 10*time.Millisecond {
			tick = 10 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-pumpsDone:
				return
			case <-ticker.C:
			}
			last := time.Unix(0, atomic.LoadInt64(&lastActivity))
			if time.Since(last) >= s.timeouts.idle {
				s.log.Debugf("Session idle for %v, closing.", s.timeouts.idle)
				teardownOnce.Do(teardown)
				return
			}
		}
	}()

	// Client to backend: open sealed records, forward plaintext.
	go func() {
		defer wg.Done()
		defer teardownOnce.Do(teardown)
		for {
			record, err := stream.ReadRecord(s.conn, opener)
			if err != nil {
				if err != io.EOF {
					s.log.Debugf("Client direction terminated: %v", err)
				}
				return
			}
			if _, err = s.backend.Write(record); err != nil {
				s.log.Debugf("Backend write failed: %v", err)
				return
			}
			touch()
			atomic.AddUint64(&s.bytesUp, uint64(len(record)))
			bytesRelayed.WithLabelValues("up").Add(float64(len(record)))
		}
	}()

	// Backend to client: seal plaintext chunks, forward records.
	go func() {
		defer wg.Done()
		defer teardownOnce.Do(teardown)
		buf := make([]byte, stream.MaxRecordSize)
		for {
			n, err := s.backend.Read(buf)
			if n > 0 {
				if werr := stream.WriteRecord(s.conn, sealer, buf[:n]); werr != nil {
					s.log.Debugf("Client write failed: %v", werr)
					return
				}
				touch()
				atomic.AddUint64(&s.bytesDown, uint64(n))
				bytesRelayed.WithLabelValues("down").Add(float64(n))
			}
			if err != nil {
				if err != io.EOF {
					s.log.Debugf("Backend direction terminated: %v", err)
				}
				return
			}
		}
	}()

	wg.Wait()
	close(pumpsDone)
}

func zeroSecret(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
