// httpd_test.go - Broker HTTP API tests.
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
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"

	"github.com/pqtunnel/pqtunnel/core/log"
	"github.com/pqtunnel/pqtunnel/crypto/derive"
	"github.com/pqtunnel/pqtunnel/crypto/ticket"
)

const testAuthToken = "s3kr1t-claim-token"

func testServer(t *testing.T) (*httptest.Server, *Service) {
	s, _ := testService(t)
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(s, testAuthToken, logBackend.GetLogger("httpd")))
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, v, out interface{}, hdr http.Header) *http.Response {
	var buf bytes.Buffer
	require.NoError(t, codec.NewEncoder(&buf, &jsonHandle).Encode(v))

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range hdr {
		req.Header[k] = vv
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, codec.NewDecoder(resp.Body, &jsonHandle).Decode(out))
	}
	return resp
}

func TestHTTPIssue(t *testing.T) {
	srv, s := testServer(t)
	scheme := s.Scheme()

	pubKey, privKey, err := scheme.GenerateKeyPair()
	require.NoError(t, err)
	pubBlob, err := pubKey.MarshalBinary()
	require.NoError(t, err)

	req := &IssueRequest{
		Version:   APIVersion,
		KEMScheme: scheme.Name(),
		PublicKey: base64.StdEncoding.EncodeToString(pubBlob),
		Tunnel:    true,
	}
	out := new(IssueResponse)
	resp := postJSON(t, srv.URL+ticketURLPath, req, out, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	kemCt, err := base64.StdEncoding.DecodeString(out.KEMCiphertext)
	require.NoError(t, err)
	blob, err := base64.StdEncoding.DecodeString(out.EncryptedTicket)
	require.NoError(t, err)

	sharedSecret, err := scheme.Decapsulate(privKey, kemCt)
	require.NoError(t, err)
	m := derive.Derive(sharedSecret)
	defer m.Reset()
	tk, err := ticket.Decrypt(blob, m)
	require.NoError(t, err)
	require.NotNil(t, tk.Tunnel)
}

func TestHTTPIssueRejections(t *testing.T) {
	srv, s := testServer(t)
	scheme := s.Scheme()

	pubKey, _, err := scheme.GenerateKeyPair()
	require.NoError(t, err)
	pubBlob, err := pubKey.MarshalBinary()
	require.NoError(t, err)
	goodKey := base64.StdEncoding.EncodeToString(pubBlob)

	for _, tc := range []struct {
		name string
		req  *IssueRequest
		code int
	}{
		{"bad version", &IssueRequest{Version: 99, KEMScheme: scheme.Name(), PublicKey: goodKey}, http.StatusBadRequest},
		{"bad scheme", &IssueRequest{Version: APIVersion, KEMScheme: "x25519", PublicKey: goodKey}, http.StatusBadRequest},
		{"bad base64", &IssueRequest{Version: APIVersion, KEMScheme: scheme.Name(), PublicKey: "!!!"}, http.StatusBadRequest},
		{"bad key", &IssueRequest{Version: APIVersion, KEMScheme: scheme.Name(), PublicKey: base64.StdEncoding.EncodeToString([]byte("short"))}, http.StatusBadRequest},
	} {
		resp := postJSON(t, srv.URL+ticketURLPath, tc.req, nil, nil)
		require.Equal(t, tc.code, resp.StatusCode, tc.name)
	}

	// GET is not accepted.
	resp, err := http.Get(srv.URL + ticketURLPath)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPClaim(t *testing.T) {
	srv, s := testServer(t)
	scheme := s.Scheme()

	pubKey2, privKey2, err := scheme.GenerateKeyPair()
	require.NoError(t, err)
	pubBlob2, err := pubKey2.MarshalBinary()
	require.NoError(t, err)
	enc2, err := s.IssueTicket(pubBlob2, true)
	require.NoError(t, err)
	sharedSecret, err := scheme.Decapsulate(privKey2, enc2.KEMCiphertext)
	require.NoError(t, err)
	m := derive.Derive(sharedSecret)
	defer m.Reset()
	tk, err := ticket.Decrypt(enc2.Ciphertext, m)
	require.NoError(t, err)

	auth := http.Header{"Authorization": []string{"Bearer " + testAuthToken}}

	// No credentials.
	resp := postJSON(t, srv.URL+claimURLPath, &ClaimRequest{TicketID: tk.Tunnel.TicketID}, nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong credentials.
	resp = postJSON(t, srv.URL+claimURLPath, &ClaimRequest{TicketID: tk.Tunnel.TicketID}, nil,
		http.Header{"Authorization": []string{"Bearer nope"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// First claim succeeds and round trips the stored material.
	out := new(ClaimResponse)
	resp = postJSON(t, srv.URL+claimURLPath, &ClaimRequest{TicketID: tk.Tunnel.TicketID}, out, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := TicketFromClaimResponse(tk.Tunnel.TicketID, out)
	require.NoError(t, err)
	require.Equal(t, sharedSecret, got.Secret)
	seedNonce := tk.Tunnel.NonceSeed.Nonce()
	wantA, err := seedNonce.Succ()
	require.NoError(t, err)
	require.Equal(t, wantA, got.NonceA)
	require.Equal(t, m.DirBNonce, got.NonceB)

	// Second claim of the same id misses.
	resp = postJSON(t, srv.URL+claimURLPath, &ClaimRequest{TicketID: tk.Tunnel.TicketID}, nil, auth)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown id misses identically.
	resp = postJSON(t, srv.URL+claimURLPath, &ClaimRequest{TicketID: ticket.NewID()}, nil, auth)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTicketFromClaimResponseRejections(t *testing.T) {
	goodSecret := base64.StdEncoding.EncodeToString(make([]byte, derive.SecretSize))
	goodNonce := base64.StdEncoding.EncodeToString(make([]byte, derive.NonceSize))

	// A valid response round trips.
	_, err := TicketFromClaimResponse(ticket.NewID(), &ClaimResponse{
		Host: "h", Port: 1, Secret: goodSecret, NonceA: goodNonce, NonceB: goodNonce,
	})
	require.NoError(t, err)

	// A secret of the wrong length is rejected here, well before it can
	// reach the key derivation.
	for _, n := range []int{0, 5, derive.SecretSize - 1, derive.SecretSize + 1} {
		badSecret := base64.StdEncoding.EncodeToString(make([]byte, n))
		_, err := TicketFromClaimResponse(ticket.NewID(), &ClaimResponse{
			Host: "h", Port: 1, Secret: badSecret, NonceA: goodNonce, NonceB: goodNonce,
		})
		require.Error(t, err, "secret length %d", n)
	}

	// Bad base64 and bad nonce lengths are rejected too.
	_, err = TicketFromClaimResponse(ticket.NewID(), &ClaimResponse{
		Host: "h", Port: 1, Secret: "!!!", NonceA: goodNonce, NonceB: goodNonce,
	})
	require.Error(t, err)
	shortNonce := base64.StdEncoding.EncodeToString(make([]byte, derive.NonceSize-1))
	_, err = TicketFromClaimResponse(ticket.NewID(), &ClaimResponse{
		Host: "h", Port: 1, Secret: goodSecret, NonceA: shortNonce, NonceB: goodNonce,
	})
	require.Error(t, err)
}
