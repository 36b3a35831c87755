package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceKind_Priority(t *testing.T) {
	assert.Greater(t, SourceManualStaff.Priority(), SourceQRCode.Priority())
	assert.Greater(t, SourceQRCode.Priority(), SourceFaceRecognition.Priority())
	assert.Equal(t, 0, SourceKind("BLUETOOTH").Priority())
	assert.False(t, SourceKind("").Valid())
	assert.True(t, SourceQRCode.Valid())
}

func TestChildLocationState_CloneDoesNotShare(t *testing.T) {
	venue := "V1"
	at := time.Now()
	s := ChildLocationState{
		ChildID:      "C1",
		VenueID:      &venue,
		Position:     &Position{X: 1, Y: 2},
		CheckedOutAt: &at,
	}

	c := s.Clone()
	*c.VenueID = "V2"
	c.Position.X = 9

	assert.Equal(t, "V1", *s.VenueID)
	assert.Equal(t, 1.0, s.Position.X)
	assert.True(t, s.CheckedIn())
	assert.Equal(t, "V1", s.Venue())
}

func TestChildLocationState_CheckedOut(t *testing.T) {
	s := &ChildLocationState{ChildID: "C1", Zone: "Exit"}
	assert.False(t, s.CheckedIn())
	assert.Equal(t, "", s.Venue())

	var nilState *ChildLocationState
	assert.False(t, nilState.CheckedIn())
}
