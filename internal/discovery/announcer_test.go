package discovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeServiceNameReplacesDisallowedRuns(t *testing.T) {
	assert.Equal(t, "Joe-s-Bar", SanitizeServiceName("Joe's Bar!!"))
}

func TestSanitizeServiceNameEmptyFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "PandemicRoom", SanitizeServiceName("!!!"))
	assert.Equal(t, "PandemicRoom", SanitizeServiceName(""))
}

func TestSanitizeServiceNameTruncatesTo63Chars(t *testing.T) {
	name := SanitizeServiceName(strings.Repeat("a", 100))
	assert.Len(t, name, 63)
}

func TestSanitizeServiceNamePassesThroughValidInput(t *testing.T) {
	assert.Equal(t, "Main-Stage-42", SanitizeServiceName("Main-Stage-42"))
}

func TestRecordTXTEncodesAllFields(t *testing.T) {
	rec := Record{RoomName: "Venue", RoomID: "room-1", Locked: true, Port: 8787}
	txt := rec.txt()

	assert.Contains(t, txt, "v=1")
	assert.Contains(t, txt, "room=Venue")
	assert.Contains(t, txt, "roomId=room-1")
	assert.Contains(t, txt, "lock=1")
	assert.Contains(t, txt, "relay=1")
	assert.Contains(t, txt, "port=8787")
}
