// memstore.go - In-memory one-time tunnel ticket store.
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

// Package memstore implements the tunnel ticket store with a locked map,
// suitable for single process deployments.
package memstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/pqtunnel/pqtunnel/broker/store"
)

type memStore struct {
	sync.Mutex

	tickets map[string]*store.TunnelTicket
}

func (m *memStore) Put(t *store.TunnelTicket) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.tickets[t.ID]; ok {
		return fmt.Errorf("memstore: duplicate ticket id")
	}
	m.tickets[t.ID] = t
	return nil
}

func (m *memStore) FetchAndDelete(id string) (*store.TunnelTicket, error) {
	m.Lock()
	defer m.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.tickets, id)
	return t, nil
}

func (m *memStore) Sweep(cutoff time.Time) (int, error) {
	m.Lock()
	defer m.Unlock()

	removed := 0
	for id, t := range m.tickets {
		if t.CreatedAt.Before(cutoff) {
			delete(m.tickets, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memStore) Close() error {
	m.Lock()
	defer m.Unlock()

	m.tickets = make(map[string]*store.TunnelTicket)
	return nil
}

// New creates an empty in-memory store.
func New() store.Store {
	return &memStore{tickets: make(map[string]*store.TunnelTicket)}
}
