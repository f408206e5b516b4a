// Package boltdb persists a node's section tree between restarts.
package boltdb

import (
	"errors"
	"path"

	bolt "go.etcd.io/bbolt"

	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/log"
	"github.com/shardnet/shardnet/section"
)

var treeBucket = []byte("section_tree")

var treeKey = []byte("tree")

// ErrNoTreeStored is returned when the database holds no snapshot yet.
var ErrNoTreeStored = errors.New("no section tree stored")

// BoltFileName is the name of the file boltdb writes to.
const BoltFileName = "network.db"

// BoltStoreOpenPerm is the permission we will use to read the store file from disk.
const BoltStoreOpenPerm = 0o660

// BoltStore saves the serialized section tree in a single bucket. Every save
// replaces the previous snapshot inside one transaction.
type BoltStore struct {
	db *bolt.DB

	log log.Logger
}

// NewBoltStore opens (or creates) the tree database inside folder.
func NewBoltStore(l log.Logger, folder string, opts *bolt.Options) (*BoltStore, error) {
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(treeBucket)
		return err
	})
	return &BoltStore{db: db, log: l}, err
}

// Close releases the underlying file.
func (b *BoltStore) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("closing tree store", "err", err)
	}
	return err
}

// Save replaces the stored snapshot with the given tree.
func (b *BoltStore) Save(t *section.SectionTree) error {
	buff, err := t.Serialize()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(treeBucket).Put(treeKey, buff)
	})
}

// Load rebuilds the stored tree, re-verifying it on the way in.
func (b *BoltStore) Load(sch *crypto.Scheme) (*section.SectionTree, error) {
	var buff []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(treeBucket).Get(treeKey)
		if v == nil {
			return ErrNoTreeStored
		}
		buff = append(buff, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return section.LoadSectionTree(sch, buff)
}
