package pds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store using BoltDB. Each file is a bucket keyed by
// big-endian item id; values carry the item header followed by the data.
type BoltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	files map[FileID]File
	items map[ItemID]Item
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &BoltStore{
		db:    db,
		files: make(map[FileID]File),
		items: make(map[ItemID]Item),
	}, nil
}

func bucketName(f FileID) []byte {
	return []byte(fmt.Sprintf("file-%02d", f))
}

func itemKey(id ItemID) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], uint16(id))
	return k[:]
}

// Register declares a file. Registering a file again replaces its table.
func (s *BoltStore) Register(f File) error {
	for _, it := range f.Items {
		if it.ID.File() != f.ID {
			return fmt.Errorf("register file %d: item %s belongs to file %d", f.ID, it.ID, it.ID.File())
		}
		if it.Save == nil || it.Load == nil {
			return fmt.Errorf("register file %d: item %s has no accessors", f.ID, it.ID)
		}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName(f.ID))
		return err
	})
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.files[f.ID]; ok {
		for _, it := range old.Items {
			delete(s.items, it.ID)
		}
	}
	s.files[f.ID] = f
	for _, it := range f.Items {
		s.items[it.ID] = it
	}
	return nil
}

func encodeItem(it Item) ([]byte, error) {
	data := it.Save()
	if len(data) > it.Size {
		return nil, fmt.Errorf("item %s: %d bytes exceed size %d", it.ID, len(data), it.Size)
	}
	buf := make([]byte, ItemHeaderSize+len(data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(it.ID))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[ItemHeaderSize:], data)
	return buf, nil
}

func decodeItem(id ItemID, raw []byte) ([]byte, error) {
	if len(raw) < ItemHeaderSize {
		return nil, fmt.Errorf("item %s: short record", id)
	}
	if got := ItemID(binary.BigEndian.Uint16(raw[0:2])); got != id {
		return nil, fmt.Errorf("item %s: header names item %s", id, got)
	}
	n := int(binary.BigEndian.Uint16(raw[2:4]))
	if len(raw)-ItemHeaderSize != n {
		return nil, fmt.Errorf("item %s: header size %d, record has %d", id, n, len(raw)-ItemHeaderSize)
	}
	return append([]byte(nil), raw[ItemHeaderSize:]...), nil
}

func putItem(tx *bolt.Tx, it Item) error {
	b := tx.Bucket(bucketName(it.ID.File()))
	if b == nil {
		return fmt.Errorf("bucket for file %d not found", it.ID.File())
	}
	rec, err := encodeItem(it)
	if err != nil {
		return err
	}
	return b.Put(itemKey(it.ID), rec)
}

// Store saves one item.
func (s *BoltStore) Store(id ItemID) error {
	s.mu.Lock()
	it, ok := s.items[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("store %s: %w", id, ErrUnregistered)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putItem(tx, it)
	})
}

// StoreAll saves every registered item in one transaction.
func (s *BoltStore) StoreAll() error {
	items := s.sortedItems()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, it := range items {
			if err := putItem(tx, it); err != nil {
				return err
			}
		}
		return nil
	})
}

// RestoreAll loads every stored item into its owner. Items never stored
// are skipped; corrupt records are reported after the others are loaded.
func (s *BoltStore) RestoreAll() error {
	items := s.sortedItems()
	var errs []error
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, it := range items {
			b := tx.Bucket(bucketName(it.ID.File()))
			if b == nil {
				continue
			}
			raw := b.Get(itemKey(it.ID))
			if raw == nil {
				continue
			}
			data, err := decodeItem(it.ID, raw)
			if err == nil {
				err = it.Load(data)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return errors.Join(errs...)
}

// Load returns the stored bytes of one item.
func (s *BoltStore) Load(id ItemID) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(id.File()))
		if b == nil {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		raw := b.Get(itemKey(id))
		if raw == nil {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		var err error
		data, err = decodeItem(id, raw)
		return err
	})
	return data, err
}

// IsRestorable reports whether every item of every critical file has
// been stored.
func (s *BoltStore) IsRestorable() bool {
	s.mu.Lock()
	var critical []File
	for _, f := range s.files {
		if f.Critical {
			critical = append(critical, f)
		}
	}
	s.mu.Unlock()
	if len(critical) == 0 {
		return false
	}

	ok := true
	s.db.View(func(tx *bolt.Tx) error {
		for _, f := range critical {
			b := tx.Bucket(bucketName(f.ID))
			if b == nil {
				ok = false
				return nil
			}
			for _, it := range f.Items {
				if b.Get(itemKey(it.ID)) == nil {
					ok = false
					return nil
				}
			}
		}
		return nil
	})
	return ok
}

// DeleteAll erases every stored item. Registrations are kept.
func (s *BoltStore) DeleteAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) sortedItems() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
