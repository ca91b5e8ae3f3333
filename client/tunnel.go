// tunnel.go - Client side tunnel dialer.
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

package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pqtunnel/pqtunnel/crypto/stream"
)

// DialTunnel connects to a tunnel server, presents the ticket id, and
// returns the sealed relay connection.  All application traffic written to
// the returned Conn is sealed with the send direction keys; reads are
// opened with the receive direction keys.
func DialTunnel(ctx context.Context, address string, keys *TunnelKeys) (*stream.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("client: dial tunnel: %v", err)
	}

	c, err := StartTunnel(conn, keys)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// StartTunnel runs the ticket presentation handshake over an established
// transport and wraps it in the relay framing.
func StartTunnel(transport io.ReadWriteCloser, keys *TunnelKeys) (*stream.Conn, error) {
	id := []byte(keys.TicketID)

	hdr := make([]byte, 2, 2+len(id))
	binary.BigEndian.PutUint16(hdr, uint16(len(id)))
	if _, err := transport.Write(append(hdr, id...)); err != nil {
		return nil, fmt.Errorf("client: send ticket id: %v", err)
	}

	sealer, err := stream.NewCipher(keys.SendKey, keys.SendNonce)
	if err != nil {
		return nil, err
	}
	opener, err := stream.NewCipher(keys.RecvKey, keys.RecvNonce)
	if err != nil {
		return nil, err
	}
	return stream.NewConn(transport, sealer, opener), nil
}
