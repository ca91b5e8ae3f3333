// client.go - Broker API client.
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

// Package client implements the consumer side of the ticket protocol: the
// ephemeral KEM keypair, the broker API exchange, and resolution of the
// encrypted ticket into a launcher payload and tunnel session keys.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/ugorji/go/codec"

	"github.com/pqtunnel/pqtunnel/broker"
	"github.com/pqtunnel/pqtunnel/crypto/ticket"
)

var jsonHandle codec.JsonHandle

// Client talks to a broker's ticket API.
type Client struct {
	scheme    kem.Scheme
	ticketURL string
	http      *http.Client
}

// New creates a broker API client for the broker at base (eg:
// "http://broker.example.com:7443") using the named KEM scheme.
func New(base, schemeName string) (*Client, error) {
	scheme := kemschemes.ByName(schemeName)
	if scheme == nil {
		return nil, fmt.Errorf("client: unknown KEM scheme '%v'", schemeName)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("client: invalid broker URL: %v", err)
	}
	u.Path = "/v1/ticket"
	return &Client{
		scheme:    scheme,
		ticketURL: u.String(),
		http:      &http.Client{},
	}, nil
}

// Scheme returns the client's KEM scheme.
func (c *Client) Scheme() kem.Scheme {
	return c.scheme
}

// RequestTicket generates a fresh ephemeral keypair, requests a ticket from
// the broker, and resolves the response.  The ephemeral private key never
// leaves this call.
func (c *Client) RequestTicket(ctx context.Context, wantsTunnel bool) (*Resolved, error) {
	pubKey, privKey, err := c.scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("client: keypair generation: %v", err)
	}
	pubBlob, err := pubKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("client: serialize public key: %v", err)
	}

	req := &broker.IssueRequest{
		Version:   broker.APIVersion,
		KEMScheme: c.scheme.Name(),
		PublicKey: base64.StdEncoding.EncodeToString(pubBlob),
		Tunnel:    wantsTunnel,
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &jsonHandle).Encode(req); err != nil {
		return nil, fmt.Errorf("client: encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ticketURL, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: ticket request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: broker rejected request: %v", resp.Status)
	}

	issueResp := new(broker.IssueResponse)
	if err := codec.NewDecoder(resp.Body, &jsonHandle).Decode(issueResp); err != nil {
		return nil, fmt.Errorf("client: decode response: %v", err)
	}
	kemCiphertext, err := base64.StdEncoding.DecodeString(issueResp.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("client: malformed kem ciphertext: %v", err)
	}
	blob, err := base64.StdEncoding.DecodeString(issueResp.EncryptedTicket)
	if err != nil {
		return nil, fmt.Errorf("client: malformed encrypted ticket: %v", err)
	}

	return Resolve(c.scheme, privKey, &ticket.Encrypted{
		KEMCiphertext: kemCiphertext,
		Ciphertext:    blob,
	})
}
