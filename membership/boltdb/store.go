// Package boltdb persists a section's membership decisions in generation
// order.
package boltdb

import (
	"encoding/binary"
	"path"

	bolt "go.etcd.io/bbolt"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/membership"
)

var decisionBucket = []byte("decisions")

// BoltFileName is the name of the file boltdb writes to.
const BoltFileName = "membership.db"

// BoltStoreOpenPerm is the permission we will use to read the store file from disk.
const BoltStoreOpenPerm = 0o660

// BoltStore implements membership.Store with decisions keyed by their
// big-endian generation, so a cursor walks them oldest first.
type BoltStore struct {
	db *bolt.DB

	log log.Logger
}

// NewBoltStore opens (or creates) the decision database inside folder.
func NewBoltStore(l log.Logger, folder string, opts *bolt.Options) (*BoltStore, error) {
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(decisionBucket)
		return err
	})
	return &BoltStore{db: db, log: l}, err
}

func generationToBytes(g uint64) []byte {
	var buff [8]byte
	binary.BigEndian.PutUint64(buff[:], g)
	return buff[:]
}

// Put appends one decision.
func (b *BoltStore) Put(d *membership.Decision) error {
	buff, err := codec.Marshal(d)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(decisionBucket).Put(generationToBytes(d.Generation()), buff)
	})
}

// All returns the stored decisions, oldest first.
func (b *BoltStore) All() ([]*membership.Decision, error) {
	var out []*membership.Decision
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(decisionBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			d := new(membership.Decision)
			if err := codec.Unmarshal(v, d); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// Close releases the underlying file.
func (b *BoltStore) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("closing membership store", "err", err)
	}
	return err
}
