// httpd.go - Broker HTTP API.
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

package broker

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/pqtunnel/pqtunnel/broker/store"
	"github.com/pqtunnel/pqtunnel/crypto/derive"
)

const (
	ticketURLPath = "/v1/ticket"
	claimURLPath  = "/v1/tunnel/claim"

	// APIVersion is the version field clients must send.
	APIVersion = 1

	maxRequestSize = 8192
)

var jsonHandle codec.JsonHandle

var errMalformedClaimSecret = errors.New("broker: claim response secret is not a valid shared secret")

// IssueRequest is the ticket issuance request body.
type IssueRequest struct {
	Version   int    `json:"version"`
	KEMScheme string `json:"kem_scheme"`
	PublicKey string `json:"public_key"`
	Tunnel    bool   `json:"tunnel"`
}

// IssueResponse is the ticket issuance response body.
type IssueResponse struct {
	KEMCiphertext   string `json:"kem_ciphertext"`
	EncryptedTicket string `json:"encrypted_ticket"`
}

// ClaimRequest is the tunnel ticket claim request body.
type ClaimRequest struct {
	TicketID string `json:"ticket_id"`
}

// ClaimResponse is the tunnel ticket claim response body.
type ClaimResponse struct {
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	Secret string `json:"secret"`
	NonceA string `json:"nonce_a"`
	NonceB string `json:"nonce_b"`
}

type httpd struct {
	service   *Service
	authToken string
	log       *logging.Logger
}

// NewHandler returns the broker API handler serving the ticket and claim
// endpoints.
func NewHandler(service *Service, claimAuthToken string, log *logging.Logger) http.Handler {
	h := &httpd{
		service:   service,
		authToken: claimAuthToken,
		log:       log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ticketURLPath, h.onTicket)
	mux.HandleFunc(claimURLPath, h.onClaim)
	return mux
}

func (h *httpd) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	body := http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := codec.NewDecoder(body, &jsonHandle).Decode(v); err != nil {
		h.log.Debugf("httpd: malformed request from %v: %v", r.RemoteAddr, err)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *httpd) respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := codec.NewEncoder(w, &jsonHandle).Encode(v); err != nil {
		h.log.Errorf("httpd: failed to encode response: %v", err)
	}
}

func (h *httpd) onTicket(w http.ResponseWriter, r *http.Request) {
	req := new(IssueRequest)
	if !h.decode(w, r, req) {
		return
	}
	if req.Version != APIVersion {
		http.Error(w, "unsupported version", http.StatusBadRequest)
		return
	}
	if req.KEMScheme != h.service.Scheme().Name() {
		http.Error(w, "unsupported kem scheme", http.StatusBadRequest)
		return
	}
	pubKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	enc, err := h.service.IssueTicket(pubKey, req.Tunnel)
	switch err {
	case nil:
	case ErrInvalidPublicKey:
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	default:
		// Internal detail is logged, never surfaced.
		h.log.Errorf("httpd: issuance failed: %v", err)
		http.Error(w, "issuance failed", http.StatusInternalServerError)
		return
	}

	h.respond(w, &IssueResponse{
		KEMCiphertext:   base64.StdEncoding.EncodeToString(enc.KEMCiphertext),
		EncryptedTicket: base64.StdEncoding.EncodeToString(enc.Ciphertext),
	})
}

func (h *httpd) authorized(r *http.Request) bool {
	const prefix = "Bearer "

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

func (h *httpd) onClaim(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.log.Warningf("httpd: unauthorized claim attempt from %v", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req := new(ClaimRequest)
	if !h.decode(w, r, req) {
		return
	}

	tt, err := h.service.ClaimTunnelTicket(req.TicketID)
	switch err {
	case nil:
	case store.ErrNotFound:
		// Unknown, consumed and expired all look the same.
		http.Error(w, "not found", http.StatusNotFound)
		return
	default:
		h.log.Errorf("httpd: claim failed: %v", err)
		http.Error(w, "claim failed", http.StatusInternalServerError)
		return
	}

	h.respond(w, claimResponseFromTicket(tt))
}

func claimResponseFromTicket(tt *store.TunnelTicket) *ClaimResponse {
	return &ClaimResponse{
		Host:   tt.Host,
		Port:   tt.Port,
		Secret: base64.StdEncoding.EncodeToString(tt.Secret),
		NonceA: base64.StdEncoding.EncodeToString(tt.NonceA.Bytes()),
		NonceB: base64.StdEncoding.EncodeToString(tt.NonceB.Bytes()),
	}
}

// TicketFromClaimResponse converts a wire claim response back into a
// TunnelTicket.  It is the inverse of the claim handler's encoding and is
// shared with the tunnel server's broker API client.
func TicketFromClaimResponse(id string, r *ClaimResponse) (*store.TunnelTicket, error) {
	secret, err := base64.StdEncoding.DecodeString(r.Secret)
	if err != nil {
		return nil, err
	}
	// The secret feeds the key derivation, which treats a wrong length
	// as a caller bug; a hostile response must not get that far.
	if len(secret) != derive.SecretSize {
		return nil, errMalformedClaimSecret
	}
	rawA, err := base64.StdEncoding.DecodeString(r.NonceA)
	if err != nil {
		return nil, err
	}
	rawB, err := base64.StdEncoding.DecodeString(r.NonceB)
	if err != nil {
		return nil, err
	}
	var nonceA, nonceB derive.Nonce
	if err = nonceA.FromBytes(rawA); err != nil {
		return nil, err
	}
	if err = nonceB.FromBytes(rawB); err != nil {
		return nil, err
	}
	return &store.TunnelTicket{
		ID:     id,
		Host:   r.Host,
		Port:   r.Port,
		Secret: secret,
		NonceA: nonceA,
		NonceB: nonceB,
	}, nil
}
