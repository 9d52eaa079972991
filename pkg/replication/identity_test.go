package replication

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	id := NewIdentity()
	require.Len(t, id.ID, IDLength)
	_, err := hex.DecodeString(id.ID)
	require.NoError(t, err)
	assert.Empty(t, id.SecondaryID)
	assert.Equal(t, int64(-1), id.SecondaryOffset)
	assert.NotEqual(t, id.ID, NewIdentity().ID)
}

func TestIdentity_ShiftKeepsPreviousHistory(t *testing.T) {
	id := NewIdentity()
	old := id.ID
	id.Shift(100)

	assert.NotEqual(t, old, id.ID)
	assert.Equal(t, old, id.SecondaryID)
	assert.Equal(t, int64(101), id.SecondaryOffset)

	assert.True(t, id.Accepts(id.ID, 5000), "current id accepts any offset")
	assert.True(t, id.Accepts(old, 101), "old id up to the shift point")
	assert.True(t, id.Accepts(old, 1))
	assert.False(t, id.Accepts(old, 102), "old id past the shift point")
	assert.False(t, id.Accepts(NewReplID(), 1))
}

func TestIdentity_ChangeAndClear(t *testing.T) {
	id := NewIdentity()
	id.Shift(10)
	secondary := id.SecondaryID

	id.Change()
	assert.Equal(t, secondary, id.SecondaryID, "Change leaves the secondary alone")

	id.ClearSecondary()
	assert.Empty(t, id.SecondaryID)
	assert.Equal(t, int64(-1), id.SecondaryOffset)
	assert.False(t, id.Accepts(secondary, 1))
}

func TestIdentity_EmptySecondaryNeverMatches(t *testing.T) {
	id := NewIdentity()
	assert.False(t, id.Accepts("", -1))
}
