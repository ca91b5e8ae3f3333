// stream_test.go - Sealed record stream tests.
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

package stream

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
)

func testKeyNonce(t *testing.T) ([]byte, derive.Nonce) {
	key := make([]byte, derive.KeySize)
	_, err := rand.Reader.Read(key)
	require.NoError(t, err)
	var nonce derive.Nonce
	_, err = rand.Reader.Read(nonce[:])
	require.NoError(t, err)
	// Clear the top byte so tests never run into the counter ceiling.
	nonce[0] = 0
	return key, nonce
}

func testCipherPair(t *testing.T) (*Cipher, *Cipher) {
	key, nonce := testKeyNonce(t)
	sealer, err := NewCipher(key, nonce)
	require.NoError(t, err)
	opener, err := NewCipher(key, nonce)
	require.NoError(t, err)
	return sealer, opener
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, opener := testCipherPair(t)

	for i := 0; i < 16; i++ {
		msg := []byte{byte(i), 0xaa, 0x55}
		sealed, err := sealer.Seal(msg)
		require.NoError(t, err)

		got, err := opener.Open(sealed)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}
}

func TestOpenBitFlip(t *testing.T) {
	sealer, opener := testCipherPair(t)

	sealed, err := sealer.Seal([]byte("attack at dawn"))
	require.NoError(t, err)
	sealed[3] ^= 0x80

	got, err := opener.Open(sealed)
	require.Equal(t, ErrAuthentication, err)
	require.Nil(t, got)
}

func TestOpenReplayedRecord(t *testing.T) {
	sealer, opener := testCipherPair(t)

	first, err := sealer.Seal([]byte("one"))
	require.NoError(t, err)

	got, err := opener.Open(first)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	// Replaying a stored copy of the same sealed record verbatim must be
	// rejected: the opener's counter has moved on.
	_, err = opener.Open(first)
	require.Equal(t, ErrAuthentication, err)
}

func TestSealCounterNeverRepeats(t *testing.T) {
	key, nonce := testKeyNonce(t)
	sealer, err := NewCipher(key, nonce)
	require.NoError(t, err)

	// Two ciphers started at the same counter produce identical records;
	// a single cipher never does, because the counter advances by the
	// fixed rule each time.
	twin, err := NewCipher(key, nonce)
	require.NoError(t, err)

	msg := []byte("deterministic")
	a, err := sealer.Seal(msg)
	require.NoError(t, err)
	b, err := twin.Seal(msg)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := sealer.Seal(msg)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestSealTooLarge(t *testing.T) {
	sealer, _ := testCipherPair(t)

	_, err := sealer.Seal(make([]byte, MaxRecordSize+1))
	require.Equal(t, ErrRecordTooLarge, err)
}

func TestSealNonceExhaustion(t *testing.T) {
	key := make([]byte, derive.KeySize)
	_, err := rand.Reader.Read(key)
	require.NoError(t, err)

	var nonce derive.Nonce
	for i := range nonce {
		nonce[i] = 0xff
	}
	sealer, err := NewCipher(key, nonce)
	require.NoError(t, err)

	_, err = sealer.Seal([]byte("last"))
	require.Equal(t, derive.ErrNonceExhausted, err)
}

func TestReadWriteRecord(t *testing.T) {
	sealer, opener := testCipherPair(t)

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, sealer, []byte("hello")))
	require.NoError(t, WriteRecord(&buf, sealer, []byte("world")))

	got, err := ReadRecord(&buf, opener)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = ReadRecord(&buf, opener)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)

	_, err = ReadRecord(&buf, opener)
	require.Equal(t, io.EOF, err)
}

func TestReadRecordOversizedFrame(t *testing.T) {
	_, opener := testCipherPair(t)

	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadRecord(&buf, opener)
	require.Equal(t, ErrRecordTooLarge, err)
}

func TestConnRoundTrip(t *testing.T) {
	keyAB, nonceAB := testKeyNonce(t)
	keyBA, nonceBA := testKeyNonce(t)

	mk := func(key []byte, nonce derive.Nonce) *Cipher {
		c, err := NewCipher(key, nonce)
		require.NoError(t, err)
		return c
	}

	left, right := net.Pipe()
	a := NewConn(left, mk(keyAB, nonceAB), mk(keyBA, nonceBA))
	b := NewConn(right, mk(keyBA, nonceBA), mk(keyAB, nonceAB))

	payload := make([]byte, 3*MaxRecordSize+17)
	_, err := rand.Reader.Read(payload)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Write(payload)
		errCh <- err
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, <-errCh)

	// And the reverse direction.
	go func() {
		_, err := b.Write([]byte("pong"))
		errCh <- err
	}()
	reply := make([]byte, 4)
	_, err = io.ReadFull(a, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)
	require.NoError(t, <-errCh)
}
