// listener.go - Tunnel server listener.
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
	"container/list"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/pqtunnel/pqtunnel/core/worker"
	"github.com/pqtunnel/pqtunnel/http/common"
)

const keepAliveInterval = 3 * time.Minute

type listener struct {
	sync.Mutex
	worker.Worker

	log *logging.Logger

	l     net.Listener
	conns *list.List

	brokerAPI BrokerAPI
	timeouts  sessionTimeouts

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all sessions belonging to the listener.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	s := newSession(conn, l.brokerAPI, l.timeouts, l.log)

	l.closeAllWg.Add(1)
	l.Lock()
	e := l.conns.PushFront(s)
	l.Unlock()

	// Watch for listener teardown; sessions force close.
	go func() {
		select {
		case <-l.closeAllCh:
			s.Close()
		case <-s.closedCh:
		}
	}()
	go func() {
		s.worker()
		l.onClosedConn(e)
	}()
}

func (l *listener) onClosedConn(e *list.Element) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(e)
}

// Addr returns the address the listener is bound to.
func (l *listener) Addr() net.Addr {
	return l.l.Addr()
}

// newListener creates a new listener for the given URL, either
// tcp://host:port or quic://host:port.
func newListener(addr string, api BrokerAPI, timeouts sessionTimeouts, log *logging.Logger) (*listener, error) {
	l := &listener{
		log:        log,
		conns:      list.New(),
		brokerAPI:  api,
		timeouts:   timeouts,
		closeAllCh: make(chan interface{}),
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: invalid listener address '%v': %v", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, err
		}
	case "quic":
		ql, err := quic.ListenAddr(u.Host, common.GenerateTLSConfig(), nil)
		if err != nil {
			return nil, err
		}
		// Wrap quic.Listener with common.QuicListener so it behaves
		// like a net.Listener for a single QUIC Stream.
		l.l = &common.QuicListener{Listener: ql}
	default:
		return nil, fmt.Errorf("tunnel: unsupported listener scheme '%v'", addr)
	}

	l.Go(l.worker)
	return l, nil
}
