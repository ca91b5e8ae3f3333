// ticket.go - Encrypted ticket codec.
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

// Package ticket implements the encrypted ticket envelope issued by the
// broker and opened by the client.  The plaintext form only ever exists in
// the broker's construction step and the client's resolution step.
package ticket

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
)

const (
	// IDLength is the length of a ticket identifier in bytes.
	IDLength = 48

	// NonceSeedSize is the size of the tunnel nonce seed carried inside
	// the encrypted ticket.
	NonceSeedSize = derive.NonceSize
)

var (
	// ErrAuthentication is returned when the AEAD tag does not verify.
	// The caller must discard everything; no partial plaintext is ever
	// returned.
	ErrAuthentication = errors.New("ticket: authentication failed")

	// ErrMalformed is returned for structurally invalid input.
	ErrMalformed = errors.New("ticket: malformed input")

	idAlphabet = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
)

// NonceSeed is the 96 bit seed the client receives inside its ticket.  It
// carries the same bits as a derive.Nonce but is a distinct type on
// purpose: a NonceSeed is application data the client may disclose to its
// local tunnel manager, while a derive.Nonce is live AEAD counter state.
type NonceSeed [NonceSeedSize]byte

// SeedFromNonce captures a derived nonce as a disclosable seed.
func SeedFromNonce(n derive.Nonce) NonceSeed {
	return NonceSeed(n)
}

// Nonce converts the seed back into counter state.
func (s NonceSeed) Nonce() derive.Nonce {
	return derive.Nonce(s)
}

// TunnelBootstrap is the tunnel block of a decrypted ticket.
type TunnelBootstrap struct {
	// TicketID is the opaque identifier the client presents to the
	// tunnel server.  It is the only thing the client ever sends there.
	TicketID string `cbor:"ticket_id"`

	// NonceSeed seeds the client to server relay direction.  Both ends
	// advance it by one before the first record.
	NonceSeed NonceSeed `cbor:"nonce"`
}

// Ticket is the plaintext logical form of a ticket.
type Ticket struct {
	// Launcher is the opaque launcher payload.  The broker never embeds
	// the shared secret or any derived nonce value in here.
	Launcher []byte `cbor:"launcher"`

	// Tunnel is present iff a tunneled connection was requested.
	Tunnel *TunnelBootstrap `cbor:"tunnel,omitempty"`
}

// Encrypted is the wire form of a ticket as returned to the client.
type Encrypted struct {
	// KEMCiphertext is the KEM encapsulation against the client's
	// ephemeral public key.
	KEMCiphertext []byte

	// Ciphertext is the transmitted AEAD nonce followed by the sealed
	// canonical ticket bytes.
	Ciphertext []byte
}

// Encrypt serializes t to its canonical byte form and seals it under the
// derived ticket key.  The nonce is transmitted ahead of the ciphertext so
// both parties agree on the transmitted-nonce framing.
func Encrypt(t *Ticket, m *derive.Material) ([]byte, error) {
	plaintext, err := cbor.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("ticket: serialize: %v", err)
	}

	aead, err := chacha20poly1305.New(m.TicketKey[:])
	if err != nil {
		return nil, fmt.Errorf("ticket: aead init: %v", err)
	}

	out := make([]byte, derive.NonceSize, derive.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	copy(out, m.TicketNonce[:])
	return aead.Seal(out, m.TicketNonce[:], plaintext, nil), nil
}

// Decrypt verifies and opens an encrypted ticket blob.  The tag is checked
// before any plaintext is surfaced; on mismatch ErrAuthentication is
// returned and all partial data is discarded.
func Decrypt(blob []byte, m *derive.Material) (*Ticket, error) {
	if len(blob) < derive.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	nonce, sealed := blob[:derive.NonceSize], blob[derive.NonceSize:]

	aead, err := chacha20poly1305.New(m.TicketKey[:])
	if err != nil {
		return nil, fmt.Errorf("ticket: aead init: %v", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	t := new(Ticket)
	if err = cbor.Unmarshal(plaintext, t); err != nil {
		return nil, ErrMalformed
	}
	return t, nil
}

// NewID generates a fresh unguessable ticket identifier.
func NewID() string {
	raw := make([]byte, IDLength)
	if _, err := rand.Reader.Read(raw); err != nil {
		panic("ticket: entropy source failure: " + err.Error())
	}
	for i, b := range raw {
		raw[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(raw)
}

// ValidateID checks the shape of a presented ticket identifier before it
// is allowed anywhere near a store lookup.
func ValidateID(id string) error {
	if len(id) != IDLength {
		return ErrMalformed
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return ErrMalformed
		}
	}
	return nil
}
