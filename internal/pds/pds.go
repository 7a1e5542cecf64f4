// Package pds is the persistent data server: components register files
// of fixed-size items and the store saves or restores them as a whole or
// item by item.
package pds

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested item has never been stored.
	ErrNotFound = errors.New("not found")
	// ErrUnregistered is returned for item ids no registered file declares.
	ErrUnregistered = errors.New("unregistered item")
)

// FileID identifies a logical file.
type FileID uint8

const (
	// FileMAC holds the MAC session state.
	FileMAC FileID = 1
	// FileApp holds the application flags.
	FileApp FileID = 13
)

// ItemID identifies an item: the file id in the high byte, the item
// index in the low byte.
type ItemID uint16

// MakeItemID builds the id of item n of file f.
func MakeItemID(f FileID, n uint8) ItemID {
	return ItemID(f)<<8 | ItemID(n)
}

// File returns the file the item belongs to.
func (id ItemID) File() FileID {
	return FileID(id >> 8)
}

func (id ItemID) String() string {
	return fmt.Sprintf("%d.%d", id>>8, id&0xFF)
}

// ItemHeaderSize is the size of the header stored in front of every item.
const ItemHeaderSize = 4

// Item is one persisted value. Save returns the current bytes, Load
// applies restored bytes.
type Item struct {
	ID     ItemID
	Size   int
	Offset int
	Save   func() []byte
	Load   func([]byte) error
}

// File is a registered item table.
type File struct {
	ID   FileID
	Name string

	// Critical files must be complete for a session to be restorable.
	Critical bool
	Items    []Item
}

// Layout assigns consecutive offsets to items, each preceded by its header.
func Layout(items []Item) []Item {
	off := 0
	for i := range items {
		items[i].Offset = off
		off += ItemHeaderSize + items[i].Size
	}
	return items
}

// Store is the persistence collaborator.
type Store interface {
	Register(f File) error
	Store(id ItemID) error
	StoreAll() error
	RestoreAll() error
	IsRestorable() bool
	DeleteAll() error
	Close() error
}

// Bool returns a single-byte item backed by *v.
func Bool(id ItemID, v *bool) Item {
	return Item{
		ID:   id,
		Size: 1,
		Save: func() []byte {
			if *v {
				return []byte{1}
			}
			return []byte{0}
		},
		Load: func(b []byte) error {
			if len(b) != 1 {
				return fmt.Errorf("item %s: want 1 byte, got %d", id, len(b))
			}
			*v = b[0] != 0
			return nil
		},
	}
}
