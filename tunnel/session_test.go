// session_test.go - Tunnel session tests.
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
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/pqtunnel/pqtunnel/broker/store"
	"github.com/pqtunnel/pqtunnel/core/log"
	"github.com/pqtunnel/pqtunnel/crypto/derive"
	"github.com/pqtunnel/pqtunnel/crypto/stream"
	"github.com/pqtunnel/pqtunnel/crypto/ticket"
)

var testTimeouts = sessionTimeouts{
	handshake: 2 * time.Second,
	idle:      5 * time.Second,
	connect:   2 * time.Second,
}

// fakeBroker is an in-process BrokerAPI with one-time claim semantics.
type fakeBroker struct {
	sync.Mutex
	tickets map[string]*store.TunnelTicket
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{tickets: make(map[string]*store.TunnelTicket)}
}

func (f *fakeBroker) add(tt *store.TunnelTicket) {
	f.Lock()
	defer f.Unlock()
	f.tickets[tt.ID] = tt
}

func (f *fakeBroker) Claim(ctx context.Context, id string) (*store.TunnelTicket, error) {
	f.Lock()
	defer f.Unlock()
	tt, ok := f.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	delete(f.tickets, id)
	return tt, nil
}

// echoServer accepts one connection and echoes until EOF.
func echoServer(t *testing.T) net.Addr {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr()
}

func testLogger(t *testing.T) *log.Backend {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend
}

func makeTunnelTicket(t *testing.T, backend net.Addr) (*store.TunnelTicket, []byte) {
	secret := make([]byte, derive.SecretSize)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	tcpAddr := backend.(*net.TCPAddr)
	m := derive.Derive(secret)
	nonceA, err := m.DirANonce.Succ()
	require.NoError(t, err)

	return &store.TunnelTicket{
		ID:        ticket.NewID(),
		Host:      tcpAddr.IP.String(),
		Port:      uint16(tcpAddr.Port),
		Secret:    secret,
		NonceA:    nonceA,
		NonceB:    m.DirBNonce,
		CreatedAt: time.Now().UTC(),
	}, secret
}

// clientConn wraps the client end in the relay framing, mirroring the
// session's key schedule from the shared secret.
func clientConn(t *testing.T, transport net.Conn, tt *store.TunnelTicket, secret []byte) *stream.Conn {
	m := derive.Derive(secret)
	sealer, err := stream.NewCipher(m.DirAKey[:], tt.NonceA)
	require.NoError(t, err)
	opener, err := stream.NewCipher(m.DirBKey[:], tt.NonceB)
	require.NoError(t, err)
	return stream.NewConn(transport, sealer, opener)
}

func sendTicketID(t *testing.T, conn net.Conn, id string) {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(id)))
	_, err := conn.Write(hdr[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte(id))
	require.NoError(t, err)
}

func runSessionWithTimeouts(t *testing.T, api BrokerAPI, timeouts sessionTimeouts) (net.Conn, *session) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	s := newSession(server, api, timeouts, testLogger(t).GetLogger("session"))
	go s.worker()
	return client, s
}

func runSession(t *testing.T, api BrokerAPI) (net.Conn, *session) {
	return runSessionWithTimeouts(t, api, testTimeouts)
}

func TestSessionRelay(t *testing.T) {
	backend := echoServer(t)
	fb := newFakeBroker()
	tt, secret := makeTunnelTicket(t, backend)
	fb.add(tt)

	conn, s := runSession(t, fb)
	sendTicketID(t, conn, tt.ID)

	c := clientConn(t, conn, tt, secret)
	msg := []byte("squeamish ossifrage")
	_, err := c.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	c.Close()
	<-s.closedCh
}

func TestSessionUnknownTicket(t *testing.T) {
	fb := newFakeBroker()

	conn, s := runSession(t, fb)
	sendTicketID(t, conn, ticket.NewID())

	// The session closes without ever writing a byte.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Equal(t, io.EOF, err)
	<-s.closedCh
}

func TestSessionConsumedTicket(t *testing.T) {
	backend := echoServer(t)
	fb := newFakeBroker()
	tt, secret := makeTunnelTicket(t, backend)
	fb.add(tt)

	conn, s := runSession(t, fb)
	sendTicketID(t, conn, tt.ID)
	c := clientConn(t, conn, tt, secret)
	_, err := c.Write([]byte("x"))
	require.NoError(t, err)

	// A second presentation of the same id misses; exactly one session
	// per ticket.
	conn2, s2 := runSession(t, fb)
	sendTicketID(t, conn2, tt.ID)
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn2.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	<-s2.closedCh

	c.Close()
	<-s.closedCh
}

func TestSessionMalformedHandshake(t *testing.T) {
	fb := newFakeBroker()

	conn, s := runSession(t, fb)

	// A frame length that is not a ticket id length is rejected on the
	// header alone; the body is never read.
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], 7)
	_, err := conn.Write(hdr[:])
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	<-s.closedCh
}

func TestSessionBadCharsetID(t *testing.T) {
	fb := newFakeBroker()

	conn, s := runSession(t, fb)

	id := make([]byte, ticket.IDLength)
	for i := range id {
		id[i] = '!'
	}
	sendTicketID(t, conn, string(id))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	<-s.closedCh
}

func TestSessionTamperedRecord(t *testing.T) {
	backend := echoServer(t)
	fb := newFakeBroker()
	tt, secret := makeTunnelTicket(t, backend)
	fb.add(tt)

	conn, s := runSession(t, fb)
	sendTicketID(t, conn, tt.ID)

	// Seal a record, then flip a ciphertext bit before sending.
	m := derive.Derive(secret)
	sealer, err := stream.NewCipher(m.DirAKey[:], tt.NonceA)
	require.NoError(t, err)
	sealed, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)
	_, err = conn.Write(sealed)
	require.NoError(t, err)

	// The session tears down; nothing reaches the backend and nothing
	// comes back.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	<-s.closedCh
}

// dripServer accepts one connection and writes a single byte at the
// given interval until the peer goes away.
func dripServer(t *testing.T, interval time.Duration) net.Addr {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			time.Sleep(interval)
			if _, err := conn.Write([]byte{'d'}); err != nil {
				return
			}
		}
	}()
	return ln.Addr()
}

func TestSessionIdleOneWayTraffic(t *testing.T) {
	const (
		idle = 500 * time.Millisecond
		drip = 50 * time.Millisecond
	)
	backend := dripServer(t, drip)
	fb := newFakeBroker()
	tt, secret := makeTunnelTicket(t, backend)
	fb.add(tt)

	conn, s := runSessionWithTimeouts(t, fb, sessionTimeouts{
		handshake: 2 * time.Second,
		idle:      idle,
		connect:   2 * time.Second,
	})
	sendTicketID(t, conn, tt.ID)
	c := clientConn(t, conn, tt, secret)

	// The client never writes, but the backend keeps dripping; one
	// flowing direction is enough to keep the session alive well past
	// the idle interval.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 1)
	for i := 0; i < 15; i++ {
		_, err := c.Read(buf)
		require.NoError(t, err, "read %d", i)
	}

	c.Close()
	<-s.closedCh
}

func TestSessionIdleTeardown(t *testing.T) {
	const idle = 200 * time.Millisecond
	backend := echoServer(t)
	fb := newFakeBroker()
	tt, _ := makeTunnelTicket(t, backend)
	fb.add(tt)

	conn, s := runSessionWithTimeouts(t, fb, sessionTimeouts{
		handshake: 2 * time.Second,
		idle:      idle,
		connect:   2 * time.Second,
	})
	sendTicketID(t, conn, tt.ID)

	// Neither side sends a byte after the handshake; the session is
	// reaped once the idle interval elapses.
	select {
	case <-s.closedCh:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "idle session was not reaped")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
}

func TestSessionBackendUnreachable(t *testing.T) {
	// A listener that is immediately closed yields a dialable but dead
	// address.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	ln.Close()

	fb := newFakeBroker()
	tt, _ := makeTunnelTicket(t, addr)
	fb.add(tt)

	conn, s := runSession(t, fb)
	sendTicketID(t, conn, tt.ID)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	<-s.closedCh
}
