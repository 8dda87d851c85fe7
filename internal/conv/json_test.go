package conv

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	cause := int64(3)
	cases := []*Event{
		{
			ID:        4,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Source:    SourceAgent,
			Cause:     &cause,
			Payload:   &CmdOutputObservation{Command: "ls", ExitCode: 0, Content: "a\nb"},
		},
		{
			ID:        5,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
			Source:    SourceUser,
			Payload:   &MessageAction{Text: "list files"},
		},
		{
			ID:        6,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 7, 0, time.UTC),
			Source:    SourceAgent,
			Payload:   &AgentStateChangedObservation{State: StateFinished},
		},
	}

	for _, original := range cases {
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded Event
		require.NoError(t, json.Unmarshal(data, &decoded))

		assert.Equal(t, original.ID, decoded.ID)
		assert.True(t, original.Timestamp.Equal(decoded.Timestamp))
		assert.Equal(t, original.Source, decoded.Source)
		assert.Equal(t, original.Payload, decoded.Payload)

		redata, err := json.Marshal(&decoded)
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(redata))
	}
}

func TestUnknownVariantTag(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"id":1,"timestamp":"2026-01-01T00:00:00Z","source":"user","action":"NoSuchAction"}`), &e)
	assert.Error(t, err)
}
