// derive.go - Shared secret key and nonce derivation.
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

// Package derive expands a KEM shared secret into the full set of keys and
// nonces used by the ticket codec and the tunnel relay.  Broker, client and
// tunnel server each run the same derivation independently and must agree
// bit for bit.
package derive

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of all derived symmetric keys.
	KeySize = 32

	// NonceSize is the size of all derived nonces.
	NonceSize = 12

	// SecretSize is the expected size of the KEM shared secret.
	SecretSize = 32
)

// ErrNonceExhausted is returned when a nonce counter would wrap around.
// Counter reuse under the same key is a total break of the AEAD, so the
// caller must tear the session down instead.
var ErrNonceExhausted = errors.New("derive: nonce counter exhausted")

// hkdfSalt separates this protocol's HKDF-Extract step from any other use
// of the same shared secret.
var hkdfSalt = []byte("tunnel-ticket-hkdf-v1")

// Per-output expansion labels.  No derived value can be computed from
// another without the original secret.
var (
	labelTicketKey   = []byte("ticket key")
	labelTicketNonce = []byte("ticket nonce")
	labelDirAKey     = []byte("tunnel dir-a key")
	labelDirANonce   = []byte("tunnel dir-a nonce")
	labelDirBKey     = []byte("tunnel dir-b key")
	labelDirBNonce   = []byte("tunnel dir-b nonce")
	labelReserved0   = []byte("reserved 0")
	labelReserved1   = []byte("reserved 1")
)

// Nonce is a 96 bit AEAD nonce used as a big-endian record counter.
type Nonce [NonceSize]byte

// Bytes returns a copy of the nonce as a byte slice.
func (n *Nonce) Bytes() []byte {
	b := make([]byte, NonceSize)
	copy(b, n[:])
	return b
}

// FromBytes deserializes the byte slice b into the Nonce.
func (n *Nonce) FromBytes(b []byte) error {
	if len(b) != NonceSize {
		return errors.New("derive: invalid nonce length")
	}
	copy(n[:], b)
	return nil
}

// Next advances the counter by one.  It fails with ErrNonceExhausted when
// the 96 bit counter would wrap, which terminates the session; the counter
// never wraps silently.
func (n *Nonce) Next() error {
	for i := NonceSize - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return nil
		}
	}
	// Carried out of the top byte: restore all-ones so the state is
	// unambiguous, and refuse further use.
	for i := range n {
		n[i] = 0xff
	}
	return ErrNonceExhausted
}

// Succ returns the nonce incremented by exactly one, without mutating the
// receiver.
func (n *Nonce) Succ() (Nonce, error) {
	succ := *n
	if err := succ.Next(); err != nil {
		return Nonce{}, err
	}
	return succ, nil
}

// Equal returns true if the two nonces hold the same value.  This is a
// plain comparison; nonces are counters, not secrets requiring constant
// time handling.
func (n *Nonce) Equal(other *Nonce) bool {
	return *n == *other
}

// Material is the full set of derived keys and nonces.  The two Reserved
// outputs are not used by the current protocol revision; they keep the
// output layout stable so future revisions can claim them without shifting
// the existing slots.
type Material struct {
	// TicketKey and TicketNonce protect the encrypted ticket envelope.
	TicketKey   [KeySize]byte
	TicketNonce Nonce

	// DirAKey and DirANonce protect the client to tunnel-server direction.
	DirAKey   [KeySize]byte
	DirANonce Nonce

	// DirBKey and DirBNonce protect the tunnel-server to client direction.
	DirBKey   [KeySize]byte
	DirBNonce Nonce

	Reserved [2][KeySize]byte
}

// Reset clears the material such that no key data is left in memory.
func (m *Material) Reset() {
	for i := range m.TicketKey {
		m.TicketKey[i] = 0
	}
	for i := range m.DirAKey {
		m.DirAKey[i] = 0
	}
	for i := range m.DirBKey {
		m.DirBKey[i] = 0
	}
	for j := range m.Reserved {
		for i := range m.Reserved[j] {
			m.Reserved[j][i] = 0
		}
	}
	m.TicketNonce = Nonce{}
	m.DirANonce = Nonce{}
	m.DirBNonce = Nonce{}
}

// Derive expands sharedSecret into Material.  It is pure and deterministic,
// and total over well formed input: a secret of the wrong length is a
// programmer error and panics.
func Derive(sharedSecret []byte) *Material {
	if len(sharedSecret) != SecretSize {
		panic("derive: BUG: shared secret is not SecretSize bytes")
	}

	prk := hkdf.Extract(sha256.New, sharedSecret, hkdfSalt)

	m := new(Material)
	expand(prk, labelTicketKey, m.TicketKey[:])
	expand(prk, labelTicketNonce, m.TicketNonce[:])
	expand(prk, labelDirAKey, m.DirAKey[:])
	expand(prk, labelDirANonce, m.DirANonce[:])
	expand(prk, labelDirBKey, m.DirBKey[:])
	expand(prk, labelDirBNonce, m.DirBNonce[:])
	expand(prk, labelReserved0, m.Reserved[0][:])
	expand(prk, labelReserved1, m.Reserved[1][:])
	return m
}

func expand(prk, label, out []byte) {
	r := hkdf.Expand(sha256.New, prk, label)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-Expand cannot fail for outputs this small.
		panic("derive: BUG: hkdf expand: " + err.Error())
	}
}
