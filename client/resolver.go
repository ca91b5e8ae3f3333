// resolver.go - Encrypted ticket resolution.
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
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/kem"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
	"github.com/pqtunnel/pqtunnel/crypto/ticket"
)

// ErrDecapsulation is returned when KEM decapsulation fails.  It is
// distinct from ticket authentication failure.
var ErrDecapsulation = errors.New("client: KEM decapsulation failed")

// TunnelKeys is the session key material handed to the relay layer after a
// tunneled ticket resolves.  Send covers client to server traffic, Recv the
// reverse direction; the two are derived independently and never mix.
type TunnelKeys struct {
	TicketID  string
	SendKey   []byte
	RecvKey   []byte
	SendNonce derive.Nonce
	RecvNonce derive.Nonce
}

// Resolved is the outcome of a successful ticket resolution.
type Resolved struct {
	// Launcher is the opaque launcher payload.
	Launcher []byte

	// Keys is the tunnel session key material, nil for tickets issued
	// without a tunnel.
	Keys *TunnelKeys
}

// Resolve decapsulates enc with privKey, derives the ticket material, and
// opens the encrypted ticket.  Decapsulation failure and ticket
// authentication failure are reported as distinct errors.
func Resolve(scheme kem.Scheme, privKey kem.PrivateKey, enc *ticket.Encrypted) (*Resolved, error) {
	if len(enc.KEMCiphertext) != scheme.CiphertextSize() {
		return nil, ErrDecapsulation
	}
	sharedSecret, err := scheme.Decapsulate(privKey, enc.KEMCiphertext)
	if err != nil {
		return nil, ErrDecapsulation
	}
	m := derive.Derive(sharedSecret)
	defer m.Reset()

	tk, err := ticket.Decrypt(enc.Ciphertext, m)
	if err != nil {
		// Surfaced as-is: ticket.ErrAuthentication or
		// ticket.ErrMalformed, never a decapsulation error.
		return nil, err
	}

	r := &Resolved{Launcher: tk.Launcher}
	if tk.Tunnel != nil {
		keys, err := keysFromMaterial(m, tk.Tunnel)
		if err != nil {
			return nil, err
		}
		r.Keys = keys
	}
	return r, nil
}

// keysFromMaterial builds the per-direction relay keys.  The send counter
// starts one past the issued seed, matching the counter the broker stored
// for the tunnel server.
func keysFromMaterial(m *derive.Material, boot *ticket.TunnelBootstrap) (*TunnelKeys, error) {
	seedNonce := boot.NonceSeed.Nonce()
	sendNonce, err := seedNonce.Succ()
	if err != nil {
		return nil, fmt.Errorf("client: nonce seed: %v", err)
	}

	sendKey := make([]byte, derive.KeySize)
	copy(sendKey, m.DirAKey[:])
	recvKey := make([]byte, derive.KeySize)
	copy(recvKey, m.DirBKey[:])

	return &TunnelKeys{
		TicketID:  boot.TicketID,
		SendKey:   sendKey,
		RecvKey:   recvKey,
		SendNonce: sendNonce,
		RecvNonce: m.DirBNonce,
	}, nil
}
