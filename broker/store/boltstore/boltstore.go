// boltstore.go - BoltDB backed one-time tunnel ticket store.
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

// Package boltstore implements the tunnel ticket store with a boltdb based
// backend, so pending tickets survive a broker restart.  Bolt's serialized
// write transactions provide the atomic fetch-and-delete.
package boltstore

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/pqtunnel/pqtunnel/broker/store"
)

const ticketsBucket = "tunnelTickets"

type boltStore struct {
	db *bolt.DB
}

func (b *boltStore) Put(t *store.TunnelTicket) error {
	blob, err := cbor.Marshal(t)
	if err != nil {
		return fmt.Errorf("boltstore: serialize: %v", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		if bkt.Get([]byte(t.ID)) != nil {
			return fmt.Errorf("boltstore: duplicate ticket id")
		}
		return bkt.Put([]byte(t.ID), blob)
	})
}

func (b *boltStore) FetchAndDelete(id string) (*store.TunnelTicket, error) {
	var t *store.TunnelTicket
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		blob := bkt.Get([]byte(id))
		if blob == nil {
			return store.ErrNotFound
		}
		t = new(store.TunnelTicket)
		if err := cbor.Unmarshal(blob, t); err != nil {
			// A corrupt entry is as good as no entry, but it is
			// still removed.
			t = nil
			if delErr := bkt.Delete([]byte(id)); delErr != nil {
				return delErr
			}
			return store.ErrNotFound
		}
		return bkt.Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (b *boltStore) Sweep(cutoff time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		cur := bkt.Cursor()
		var expired [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			t := new(store.TunnelTicket)
			if err := cbor.Unmarshal(v, t); err != nil || t.CreatedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *boltStore) Close() error {
	return b.db.Close()
}

// New creates or opens a bolt backed store at path f.
func New(f string) (store.Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ticketsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}
