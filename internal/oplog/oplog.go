// Package oplog persists the stream of integrated operations in a bbolt
// file. Operations are the only unit ever persisted; replaying the log
// over the initial text rebuilds the document.
package oplog

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("ops")

// Log is an append-only operation log.
type Log struct {
	db *bolt.DB
}

func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append stores one encoded operation frame.
func (l *Log) Append(op []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], op)
	})
}

// Replay calls fn for every stored operation in append order.
func (l *Log) Replay(fn func(op []byte) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}
