// store.go - One-time tunnel ticket store interface.
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

// Package store defines the broker's one-time tunnel ticket storage
// abstraction.  A consumed ticket is indistinguishable from one that never
// existed.
package store

import (
	"errors"
	"time"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
)

// ErrNotFound is returned when a ticket id is unknown, already consumed,
// or expired.  The three cases are deliberately not distinguishable.
var ErrNotFound = errors.New("store: ticket not found")

// TunnelTicket holds the connection parameters for one tunneled session.
// It is server-to-server state only and is never updated after creation.
type TunnelTicket struct {
	// ID is the opaque unguessable ticket identifier.
	ID string `cbor:"ticket_id"`

	// Host and Port name the backend connection target.
	Host string `cbor:"host"`
	Port uint16 `cbor:"port"`

	// Secret is the KEM shared secret for this session.
	Secret []byte `cbor:"secret"`

	// NonceA is the client to server relay counter, the client's nonce
	// seed advanced by exactly one.
	NonceA derive.Nonce `cbor:"nonce_a"`

	// NonceB is the server to client relay counter, independent of
	// NonceA.
	NonceB derive.Nonce `cbor:"nonce_b"`

	// CreatedAt drives time-to-live expiry of abandoned tickets.
	CreatedAt time.Time `cbor:"created"`
}

// Store is the injectable one-time storage backend.  In a single process
// deployment a locked map suffices; a distributed deployment would need a
// backend with an atomic remove-returning-value primitive, which is out of
// scope here.
type Store interface {
	// Put inserts a ticket.  The insert must be visible before the
	// issuance response is returned to the client.
	Put(t *TunnelTicket) error

	// FetchAndDelete atomically removes and returns the ticket for id.
	// Exactly one of any number of concurrent calls for the same id
	// succeeds; all others observe ErrNotFound.
	FetchAndDelete(id string) (*TunnelTicket, error)

	// Sweep removes tickets created before cutoff and returns how many
	// were removed.
	Sweep(cutoff time.Time) (int, error)

	// Close releases the backend.
	Close() error
}
