package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{KeyGroupID: "G1"}
	clone := original.Clone()
	clone[KeyGroupID] = "G2"

	assert.Equal(t, "G1", original[KeyGroupID])
}

func TestCloneOfNilIsEmpty(t *testing.T) {
	var m Metadata
	assert.NotNil(t, m.Clone())
	assert.Empty(t, m.Clone())
}

func TestWithLeavesReceiverUntouched(t *testing.T) {
	base := New(KeyEntityKey, "Ada")
	enriched := base.With(KeyEventID, "NA1_100")

	assert.NotContains(t, base, KeyEventID)
	assert.Equal(t, "NA1_100", enriched[KeyEventID])
	assert.Equal(t, "Ada", enriched[KeyEntityKey])
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("a", "1", "b")
	assert.Equal(t, Metadata{"a": "1"}, md)
}

func TestWatermillConversionCopies(t *testing.T) {
	wm := message.Metadata{KeyCorrelationID: "c-1"}
	md := FromWatermill(wm)
	md[KeyCorrelationID] = "changed"
	assert.Equal(t, "c-1", wm[KeyCorrelationID])

	back := ToWatermill(Metadata{KeyGroupID: "G1"})
	assert.Equal(t, "G1", back.Get(KeyGroupID))
}
