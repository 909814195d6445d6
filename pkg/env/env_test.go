package env

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryEntryJSON(t *testing.T) {
	e := HistoryEntry{
		Action:    json.RawMessage(`{"move":2}`),
		ExtraInfo: json.RawMessage(`"opponent took 1"`),
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"move":2},"opponent took 1"]`, string(data))

	var decoded HistoryEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.JSONEq(t, string(e.Action), string(decoded.Action))
	assert.JSONEq(t, string(e.ExtraInfo), string(decoded.ExtraInfo))
}

func TestHistoryEntryNilFieldsEncodeAsNull(t *testing.T) {
	data, err := json.Marshal(HistoryEntry{Action: json.RawMessage(`3`)})
	require.NoError(t, err)
	assert.JSONEq(t, `[3,null]`, string(data))
}

func TestHistoryEntryRejectsWrongShape(t *testing.T) {
	var e HistoryEntry
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &e))
	assert.Error(t, json.Unmarshal([]byte(`[1,2,3]`), &e))
	assert.Error(t, json.Unmarshal([]byte(`{"action":1}`), &e))
}

func TestEncodeDecodeHistory(t *testing.T) {
	entries := []HistoryEntry{
		{Action: json.RawMessage(`1`), ExtraInfo: json.RawMessage(`null`)},
		{Action: json.RawMessage(`"left"`), ExtraInfo: json.RawMessage(`{"note":"x"}`)},
	}
	raw, err := EncodeHistory(entries)
	require.NoError(t, err)

	decoded, err := DecodeHistory(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.JSONEq(t, `"left"`, string(decoded[1].Action))
}

func TestEncodeHistoryEmpty(t *testing.T) {
	raw, err := EncodeHistory(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	decoded, err := DecodeHistory(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestRunDataActionNo(t *testing.T) {
	run := RunData{History: []HistoryEntry{{}, {}, {}}}
	assert.Equal(t, 3, run.ActionNo())
	assert.Equal(t, 0, RunData{}.ActionNo())
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{}.Normalize()
	assert.Equal(t, StrategyAverage, s.RatingStrategy)
	assert.Equal(t, DefaultMinRunsForFullyEvaluated, s.MinRunsForFullyEvaluated)
	assert.Equal(t, ObjectiveMax, s.RatingObjective)
	assert.Equal(t, DefaultNumberOfActionRequests, s.NumberOfActionRequests)
	assert.NoError(t, s.Validate())

	// Explicit values survive.
	s = Settings{MinRunsForFullyEvaluated: 10, RatingObjective: ObjectiveMin}.Normalize()
	assert.Equal(t, 10, s.MinRunsForFullyEvaluated)
	assert.Equal(t, ObjectiveMin, s.RatingObjective)
}

func TestSettingsValidate(t *testing.T) {
	bad := Settings{RatingStrategy: "median", RatingObjective: ObjectiveMax}
	assert.Error(t, bad.Validate())

	bad = Settings{RatingStrategy: StrategyAverage, RatingObjective: "closest"}
	assert.Error(t, bad.Validate())
}
