package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket    = "metadata"
	deliveredBucket   = "delivered"
	versionKey        = "version"
	ledgerFileVersion = 1
)

// Ledger remembers which UIDs of a mailbox were delivered.
type Ledger interface {
	Delivered(mailbox string, uid uint32) (bool, error)
	Record(mailbox string, uid uint32, at time.Time) error
}

// BoltLedger stores one bucket per mailbox, keyed by big endian UID, valued
// with the delivery time.
type BoltLedger struct {
	dbFile string
	db     *bolt.DB
}

func NewBoltLedger(filename string) (*BoltLedger, error) {
	options := *bolt.DefaultOptions
	options.Timeout = 10 * time.Second

	db, err := bolt.Open(filename, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filename, err)
	}

	l := &BoltLedger{
		dbFile: filename,
		db:     db,
	}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *BoltLedger) init() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(deliveredBucket)); err != nil {
			return err
		}
		return bucket.Put([]byte(versionKey), encodeUID(ledgerFileVersion))
	})
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func (l *BoltLedger) Delivered(mailbox string, uid uint32) (bool, error) {
	found := false
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(deliveredBucket))
		if root == nil {
			return nil
		}
		bucket := root.Bucket([]byte(mailbox))
		if bucket == nil {
			return nil
		}
		found = bucket.Get(encodeUID(uid)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (l *BoltLedger) Record(mailbox string, uid uint32, at time.Time) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(deliveredBucket))
		if err != nil {
			return err
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(mailbox))
		if err != nil {
			return err
		}
		stamp, err := at.UTC().MarshalText()
		if err != nil {
			return err
		}
		return bucket.Put(encodeUID(uid), stamp)
	})
}

// Count returns how many UIDs were recorded for mailbox.
func (l *BoltLedger) Count(mailbox string) (int, error) {
	count := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(deliveredBucket))
		if root == nil {
			return nil
		}
		bucket := root.Bucket([]byte(mailbox))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

func encodeUID(uid uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uid)
	return key
}
