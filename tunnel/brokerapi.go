// brokerapi.go - Broker claim endpoint client.
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

// Package tunnel implements the tunnel server: ticket presentation over
// accepted connections, one-time ticket claims against the broker, and the
// sealed record relay between clients and backends.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/pqtunnel/pqtunnel/broker"
	"github.com/pqtunnel/pqtunnel/broker/store"
	"github.com/pqtunnel/pqtunnel/core/retry"
)

var jsonHandle codec.JsonHandle

// ErrTicketNotFound is returned when the broker has no pending tunnel
// ticket for an id; unknown, consumed and expired are indistinguishable.
var ErrTicketNotFound = errors.New("tunnel: ticket not found")

// BrokerAPI resolves ticket ids into one-time tunnel tickets.
type BrokerAPI interface {
	// Claim atomically fetches and consumes the tunnel ticket for id.
	Claim(ctx context.Context, id string) (*store.TunnelTicket, error)
}

type claimClient struct {
	claimURL  string
	authToken string
	http      *http.Client
}

// NewBrokerAPI creates the HTTP claim client for the broker claim endpoint
// at claimURL, authenticating with authToken.
func NewBrokerAPI(claimURL, authToken string) BrokerAPI {
	return &claimClient{
		claimURL:  claimURL,
		authToken: authToken,
		http:      &http.Client{},
	}
}

func (c *claimClient) claimOnce(ctx context.Context, id string) (*store.TunnelTicket, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &jsonHandle).Encode(&broker.ClaimRequest{TicketID: id}); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.claimURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrTicketNotFound
	default:
		return nil, fmt.Errorf("tunnel: claim rejected: %v", resp.Status)
	}

	claimResp := new(broker.ClaimResponse)
	if err := codec.NewDecoder(resp.Body, &jsonHandle).Decode(claimResp); err != nil {
		return nil, fmt.Errorf("tunnel: decode claim response: %v", err)
	}
	return broker.TicketFromClaimResponse(id, claimResp)
}

// Claim implements BrokerAPI.  Transient transport failures are retried
// with backoff; a definitive miss is returned immediately, a retried claim
// of an already consumed ticket misses like any other.
func (c *claimClient) Claim(ctx context.Context, id string) (*store.TunnelTicket, error) {
	var lastErr error
	for attempt := 0; attempt < retry.DefaultMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.Delay(retry.DefaultBaseDelay, retry.DefaultMaxDelay, retry.DefaultJitter, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		tt, err := c.claimOnce(ctx, id)
		if err == nil {
			return tt, nil
		}
		if err == ErrTicketNotFound || !retry.IsTransientError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
