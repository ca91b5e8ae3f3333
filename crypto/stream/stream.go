// stream.go - Nonce-sequenced authenticated encryption over a byte stream.
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

// Package stream turns an unstructured byte stream into a sequence of
// authenticated encryption records.  Each direction of a tunnel session
// owns one Cipher; the nonce is a big-endian counter advanced by exactly
// one per record on both ends, so the counter itself never appears on the
// wire.  Framing is a 4 byte big-endian length followed by one sealed
// record.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/chacha20poly1305"

	"github.com/pqtunnel/pqtunnel/crypto/derive"
)

const (
	// MaxRecordSize is the hard cap on plaintext bytes per record.  It
	// bounds per-session buffering so a slow reader cannot force
	// unbounded growth on the writer side.
	MaxRecordSize = 4096

	// Overhead is the AEAD tag length added to every sealed record.
	Overhead = chacha20poly1305.Overhead

	headerSize   = 4
	maxFrameSize = MaxRecordSize + Overhead
)

var (
	// ErrAuthentication is returned when a record's tag does not verify.
	// This is treated as active tampering; the session must terminate.
	ErrAuthentication = errors.New("stream: record authentication failed")

	// ErrRecordTooLarge is returned for frames exceeding the record cap.
	ErrRecordTooLarge = errors.New("stream: record exceeds maximum size")
)

// Cipher seals or opens records for one direction of a session.  It is not
// safe for concurrent use: each direction's counter must have exactly one
// logical writer, enforced by giving each pump goroutine its own Cipher.
type Cipher struct {
	aead  *chacha20poly1305.ChaCha20Poly1305
	nonce derive.Nonce
}

// NewCipher creates a Cipher keyed with key, starting its counter at nonce.
func NewCipher(key []byte, nonce derive.Nonce) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("stream: aead init: %v", err)
	}
	return &Cipher{aead: aead, nonce: nonce}, nil
}

// Seal encrypts one record and advances the counter.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	sealed := c.aead.Seal(nil, c.nonce[:], plaintext, nil)
	if err := c.nonce.Next(); err != nil {
		return nil, err
	}
	return sealed, nil
}

// Open verifies and decrypts one record and advances the counter.  The tag
// is verified before any plaintext is returned; a record sealed with a
// reused or out-of-sequence counter fails here.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, c.nonce[:], sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	if err := c.nonce.Next(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// WriteRecord seals plaintext and writes one length-prefixed frame to w.
func WriteRecord(w io.Writer, c *Cipher, plaintext []byte) error {
	sealed, err := c.Seal(plaintext)
	if err != nil {
		return err
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err = w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(sealed)
	return err
}

// ReadRecord reads one length-prefixed frame from r and opens it.  io.EOF
// is returned unwrapped when the stream ends cleanly on a frame boundary.
func ReadRecord(r io.Reader, c *Cipher) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("stream: read header: %v", err)
	}
	frameLen := binary.BigEndian.Uint32(hdr[:])
	if frameLen > maxFrameSize {
		return nil, ErrRecordTooLarge
	}
	if frameLen < Overhead {
		return nil, ErrAuthentication
	}
	sealed := make([]byte, frameLen)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, fmt.Errorf("stream: read record: %v", err)
	}
	return c.Open(sealed)
}

// Conn wraps a net.Conn-ish transport with sealed record framing in both
// directions.  Write chunks into MaxRecordSize records; Read returns
// buffered plaintext from the last opened record.
type Conn struct {
	transport io.ReadWriteCloser
	sealer    *Cipher
	opener    *Cipher

	recvBuf []byte
}

// NewConn creates a framed Conn over transport.  sealer protects the
// outgoing direction, opener the incoming one.
func NewConn(transport io.ReadWriteCloser, sealer, opener *Cipher) *Conn {
	return &Conn{
		transport: transport,
		sealer:    sealer,
		opener:    opener,
	}
}

// Write seals p into one or more records.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxRecordSize {
			n = MaxRecordSize
		}
		if err := WriteRecord(c.transport, c.sealer, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Read returns plaintext from the next record, buffering any remainder.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.recvBuf) == 0 {
		plaintext, err := ReadRecord(c.transport, c.opener)
		if err != nil {
			return 0, err
		}
		c.recvBuf = plaintext
	}
	n := copy(p, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.transport.Close()
}
