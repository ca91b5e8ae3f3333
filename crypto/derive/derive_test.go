// derive_test.go - Key derivation tests.
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

package derive

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeterministic(t *testing.T) {
	secret := make([]byte, SecretSize)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	m1 := Derive(secret)
	m2 := Derive(secret)
	require.Equal(t, m1, m2)
}

func TestDeriveOutputsIndependent(t *testing.T) {
	secret := make([]byte, SecretSize)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	m := Derive(secret)
	require.NotEqual(t, m.TicketKey, m.DirAKey)
	require.NotEqual(t, m.TicketKey, m.DirBKey)
	require.NotEqual(t, m.DirAKey, m.DirBKey)
	require.NotEqual(t, m.DirANonce, m.DirBNonce)
	require.NotEqual(t, m.Reserved[0], m.Reserved[1])
}

func TestDeriveDistinctSecrets(t *testing.T) {
	secret1 := make([]byte, SecretSize)
	secret2 := make([]byte, SecretSize)
	_, err := rand.Reader.Read(secret1)
	require.NoError(t, err)
	_, err = rand.Reader.Read(secret2)
	require.NoError(t, err)

	m1 := Derive(secret1)
	m2 := Derive(secret2)
	require.NotEqual(t, m1.TicketKey, m2.TicketKey)
	require.NotEqual(t, m1.DirANonce, m2.DirANonce)
}

func TestDeriveBadLengthPanics(t *testing.T) {
	require.Panics(t, func() {
		Derive(make([]byte, SecretSize-1))
	})
}

func TestNonceNext(t *testing.T) {
	var n Nonce
	require.NoError(t, n.Next())
	require.Equal(t, byte(1), n[NonceSize-1])

	// Carry across byte boundaries.
	for i := range n {
		n[i] = 0
	}
	n[NonceSize-1] = 0xff
	require.NoError(t, n.Next())
	require.Equal(t, byte(1), n[NonceSize-2])
	require.Equal(t, byte(0), n[NonceSize-1])
}

func TestNonceSucc(t *testing.T) {
	var n Nonce
	n[NonceSize-1] = 41

	succ, err := n.Succ()
	require.NoError(t, err)
	require.Equal(t, byte(42), succ[NonceSize-1])
	// Receiver untouched.
	require.Equal(t, byte(41), n[NonceSize-1])
}

func TestNonceExhaustion(t *testing.T) {
	var n Nonce
	for i := range n {
		n[i] = 0xff
	}
	err := n.Next()
	require.Equal(t, ErrNonceExhausted, err)

	// Exhausted state is sticky.
	err = n.Next()
	require.Equal(t, ErrNonceExhausted, err)
}
