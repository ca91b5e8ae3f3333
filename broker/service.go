// service.go - Ticket issuance service.
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

// Package broker implements the ticket issuance broker: KEM encapsulation
// against client ephemeral keys, encrypted ticket construction, and the
// one-time tunnel ticket store behind the claim endpoint.
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/pqtunnel/pqtunnel/broker/store"
	"github.com/pqtunnel/pqtunnel/crypto/derive"
	"github.com/pqtunnel/pqtunnel/crypto/ticket"
)

const promNamespace = "pqtunnel"

var (
	// ErrInvalidPublicKey is returned for a malformed client public key.
	ErrInvalidPublicKey = errors.New("broker: invalid client public key")

	ticketsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "broker",
			Name:      "tickets_issued_total",
			Help:      "Number of tickets issued",
		},
		[]string{"tunneled"},
	)
	issueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "broker",
			Name:      "issue_failures_total",
			Help:      "Number of failed issuance requests",
		},
	)
	ticketsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "broker",
			Name:      "tunnel_tickets_claimed_total",
			Help:      "Number of tunnel tickets claimed by tunnel servers",
		},
	)
	claimMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "broker",
			Name:      "tunnel_ticket_claim_misses_total",
			Help:      "Number of claim requests for unknown or consumed tickets",
		},
	)
	ticketsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "broker",
			Name:      "tunnel_tickets_expired_total",
			Help:      "Number of tunnel tickets removed by the TTL sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(ticketsIssued)
	prometheus.MustRegister(issueFailures)
	prometheus.MustRegister(ticketsClaimed)
	prometheus.MustRegister(claimMisses)
	prometheus.MustRegister(ticketsExpired)
}

// Provider supplies the launcher payload embedded in issued tickets.  The
// payload content is an external collaborator's concern; the broker only
// guarantees it never contains the shared secret or any derived value.
type Provider interface {
	// LauncherPayload returns the opaque payload for one ticket.
	LauncherPayload(wantsTunnel bool) ([]byte, error)
}

// Target names the backend that tunneled sessions connect to.
type Target struct {
	Host string
	Port uint16
}

// Service issues encrypted tickets.
type Service struct {
	scheme   kem.Scheme
	store    store.Store
	provider Provider
	target   Target
	log      *logging.Logger
}

// NewService creates an issuance Service.
func NewService(scheme kem.Scheme, st store.Store, provider Provider, target Target, log *logging.Logger) *Service {
	return &Service{
		scheme:   scheme,
		store:    st,
		provider: provider,
		target:   target,
		log:      log,
	}
}

// Scheme returns the KEM scheme clients must encapsulate against.
func (s *Service) Scheme() kem.Scheme {
	return s.scheme
}

// IssueTicket performs one issuance: a fresh KEM encapsulation against the
// client's ephemeral public key, derivation, optional tunnel ticket store
// insertion, and ticket sealing.  The shared secret is never cached or
// reused across requests.
func (s *Service) IssueTicket(clientPublicKey []byte, wantsTunnel bool) (*ticket.Encrypted, error) {
	if len(clientPublicKey) != s.scheme.PublicKeySize() {
		return nil, ErrInvalidPublicKey
	}
	pubKey, err := s.scheme.UnmarshalBinaryPublicKey(clientPublicKey)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}

	kemCiphertext, sharedSecret, err := s.scheme.Encapsulate(pubKey)
	if err != nil {
		issueFailures.Inc()
		return nil, fmt.Errorf("broker: encapsulation failed: %v", err)
	}
	material := derive.Derive(sharedSecret)
	defer material.Reset()

	launcher, err := s.provider.LauncherPayload(wantsTunnel)
	if err != nil {
		issueFailures.Inc()
		return nil, fmt.Errorf("broker: launcher payload: %v", err)
	}

	t := &ticket.Ticket{Launcher: launcher}
	if wantsTunnel {
		id := ticket.NewID()
		seed := ticket.SeedFromNonce(material.DirANonce)

		// The stored counter is the client's seed advanced by exactly
		// one; both ends step past the seed before the first record.
		nonceA, err := material.DirANonce.Succ()
		if err != nil {
			issueFailures.Inc()
			return nil, fmt.Errorf("broker: nonce seed: %v", err)
		}

		tt := &store.TunnelTicket{
			ID:        id,
			Host:      s.target.Host,
			Port:      s.target.Port,
			Secret:    sharedSecret,
			NonceA:    nonceA,
			NonceB:    material.DirBNonce,
			CreatedAt: time.Now().UTC(),
		}
		// The insert completes before the response is returned; a
		// store failure means no ticket is issued at all.
		if err = s.store.Put(tt); err != nil {
			issueFailures.Inc()
			return nil, fmt.Errorf("broker: store tunnel ticket: %v", err)
		}
		t.Tunnel = &ticket.TunnelBootstrap{TicketID: id, NonceSeed: seed}
	}

	blob, err := ticket.Encrypt(t, material)
	if err != nil {
		issueFailures.Inc()
		return nil, fmt.Errorf("broker: seal ticket: %v", err)
	}

	ticketsIssued.WithLabelValues(fmt.Sprintf("%v", wantsTunnel)).Inc()
	return &ticket.Encrypted{KEMCiphertext: kemCiphertext, Ciphertext: blob}, nil
}

// ClaimTunnelTicket atomically fetches and deletes the tunnel ticket for
// id.  A consumed ticket is indistinguishable from an unknown one.
func (s *Service) ClaimTunnelTicket(id string) (*store.TunnelTicket, error) {
	if err := ticket.ValidateID(id); err != nil {
		claimMisses.Inc()
		return nil, store.ErrNotFound
	}
	tt, err := s.store.FetchAndDelete(id)
	if err != nil {
		claimMisses.Inc()
		return nil, err
	}
	ticketsClaimed.Inc()
	return tt, nil
}
