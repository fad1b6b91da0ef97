package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// index is the bbolt-backed entry index. Keys are "name@version", values
// are JSON-encoded entries.
type index struct {
	db *bbolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entries bucket: %w", err)
	}

	return &index{db: db}, nil
}

func (i *index) close() error {
	return i.db.Close()
}

// get returns the entry for the given key, or nil when absent.
func (i *index) get(key string) (*Entry, error) {
	var entry *Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding entry %s: %w", key, err)
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (i *index) put(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key()), data)
	})
}

func (i *index) delete(key string) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// deleteByName removes every entry for the given artifact name, returning
// the removed entries.
func (i *index) deleteByName(name string) ([]*Entry, error) {
	prefix := []byte(name + "@")
	var removed []*Entry

	err := i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %s: %w", k, err)
			}
			removed = append(removed, &e)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (i *index) list() ([]*Entry, error) {
	var entries []*Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %s: %w", k, err)
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
