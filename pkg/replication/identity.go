package replication

import (
	"crypto/rand"
	"encoding/hex"
)

// IDLength is the length of a replication ID in hex characters.
const IDLength = 40

// Identity names the write history a node serves.
//
// ID changes whenever contiguity with the previous history cannot be
// proven. SecondaryID keeps the previous ID acceptable for offsets up to
// and including SecondaryOffset, so replicas that followed the old history
// can still resume after a promotion.
type Identity struct {
	ID              string
	SecondaryID     string
	SecondaryOffset int64
}

// NewIdentity returns an identity with a fresh ID and no secondary.
func NewIdentity() Identity {
	return Identity{ID: NewReplID(), SecondaryOffset: -1}
}

// NewReplID returns 40 random hex characters.
func NewReplID() string {
	var b [IDLength / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("replication: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Shift keeps the current ID as secondary, valid up to offset+1, and
// mints a new primary ID. Called on promotion.
func (id *Identity) Shift(offset int64) {
	id.SecondaryID = id.ID
	id.SecondaryOffset = offset + 1
	id.ID = NewReplID()
}

// Change mints a new primary ID.
func (id *Identity) Change() {
	id.ID = NewReplID()
}

// ClearSecondary forgets the secondary ID.
func (id *Identity) ClearSecondary() {
	id.SecondaryID = ""
	id.SecondaryOffset = -1
}

// Accepts reports whether a replica that followed replid up to offset-1
// shares this node's history.
func (id Identity) Accepts(replid string, offset int64) bool {
	if replid == id.ID {
		return true
	}
	return id.SecondaryID != "" && replid == id.SecondaryID && offset <= id.SecondaryOffset
}
