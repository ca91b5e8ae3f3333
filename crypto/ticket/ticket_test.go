// ticket_test.go - Encrypted ticket codec tests.
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

package ticket

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
)

func testMaterial(t *testing.T) *derive.Material {
	secret := make([]byte, derive.SecretSize)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)
	return derive.Derive(secret)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := testMaterial(t)

	orig := &Ticket{
		Launcher: []byte(`{"app":"launcher","args":["--fast"]}`),
		Tunnel: &TunnelBootstrap{
			TicketID:  NewID(),
			NonceSeed: SeedFromNonce(m.DirANonce),
		},
	}

	blob, err := Encrypt(orig, m)
	require.NoError(t, err)

	got, err := Decrypt(blob, m)
	require.NoError(t, err)
	require.Equal(t, orig.Launcher, got.Launcher)
	require.NotNil(t, got.Tunnel)
	require.Equal(t, orig.Tunnel.TicketID, got.Tunnel.TicketID)
	require.Equal(t, orig.Tunnel.NonceSeed, got.Tunnel.NonceSeed)
}

func TestEncryptDecryptNoTunnel(t *testing.T) {
	m := testMaterial(t)

	orig := &Ticket{Launcher: []byte("payload")}
	blob, err := Encrypt(orig, m)
	require.NoError(t, err)

	got, err := Decrypt(blob, m)
	require.NoError(t, err)
	require.Equal(t, orig.Launcher, got.Launcher)
	require.Nil(t, got.Tunnel)
}

func TestDecryptBitFlip(t *testing.T) {
	m := testMaterial(t)

	blob, err := Encrypt(&Ticket{Launcher: []byte("payload")}, m)
	require.NoError(t, err)

	// Flipping any single bit must fail authentication, never produce a
	// silently wrong plaintext.
	for _, idx := range []int{0, derive.NonceSize, len(blob) / 2, len(blob) - 1} {
		mangled := make([]byte, len(blob))
		copy(mangled, blob)
		mangled[idx] ^= 0x01

		tk, err := Decrypt(mangled, m)
		require.Equal(t, ErrAuthentication, err, "bit flip at %d", idx)
		require.Nil(t, tk)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	m1 := testMaterial(t)
	m2 := testMaterial(t)

	blob, err := Encrypt(&Ticket{Launcher: []byte("payload")}, m1)
	require.NoError(t, err)

	_, err = Decrypt(blob, m2)
	require.Equal(t, ErrAuthentication, err)
}

func TestDecryptTruncated(t *testing.T) {
	m := testMaterial(t)

	_, err := Decrypt(nil, m)
	require.Equal(t, ErrMalformed, err)

	_, err = Decrypt(make([]byte, derive.NonceSize), m)
	require.Equal(t, ErrMalformed, err)
}

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	require.Len(t, id1, IDLength)
	require.NotEqual(t, id1, id2)
	require.NoError(t, ValidateID(id1))
}

func TestValidateID(t *testing.T) {
	require.Error(t, ValidateID(""))
	require.Error(t, ValidateID("short"))
	require.NoError(t, ValidateID(NewID()))

	bad := []byte(NewID())
	bad[7] = '!'
	require.Error(t, ValidateID(string(bad)))
}

func TestNonceSeedRoundTrip(t *testing.T) {
	m := testMaterial(t)

	seed := SeedFromNonce(m.DirANonce)
	require.Equal(t, m.DirANonce, seed.Nonce())
}
