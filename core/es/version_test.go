package es

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVersion_json(t *testing.T) {
	data, err := json.Marshal(Version(7))
	require.NoError(t, err)
	require.Equal(t, `7`, string(data))

	var v Version
	require.NoError(t, json.Unmarshal([]byte("1234"), &v))
	require.Equal(t, Version(1234), v)
}

func TestExpectedVersion_Matches(t *testing.T) {
	for _, tc := range []struct {
		expected ExpectedVersion
		current  Version
		want     bool
	}{
		{NoStream(), 0, true},
		{NoStream(), 1, false},
		{Exact(3), 3, true},
		{Exact(3), 2, false},
		{Exact(3), 4, false},
		{AnyVersion(), 0, true},
		{AnyVersion(), 42, true},
	} {
		t.Run(tc.expected.String(), func(t *testing.T) {
			require.Equal(t, tc.want, tc.expected.Matches(tc.current))
		})
	}

	require.True(t, ExpectVersion(0).IsNoStream())
	require.True(t, ExpectVersion(5).IsExact())
	require.Equal(t, Version(5), ExpectVersion(5).Version())
}

func TestPrepareAppend(t *testing.T) {
	env := func(id string, v Version) Envelope {
		return Envelope{
			ID:            id,
			CorrelationID: id,
			AggregateType: "acc",
			AggregateID:   "1",
			Type:          "opened",
			Version:       v,
			OccurredAt:    time.Now(),
		}
	}

	t.Run("no events", func(t *testing.T) {
		_, err := PrepareAppend("acc", "1", NoStream(), 0, nil)
		require.ErrorIs(t, err, ErrStoreNoEvents)
	})

	t.Run("conflict", func(t *testing.T) {
		_, err := PrepareAppend("acc", "1", Exact(1), 2, []Envelope{env("a", 2)})
		require.ErrorIs(t, err, ErrVersionConflict)

		var vce *VersionConflictError
		require.True(t, errors.As(err, &vce))
		require.Equal(t, Version(2), vce.Actual)
		require.True(t, vce.Expected.IsExact())
	})

	t.Run("wrong version", func(t *testing.T) {
		_, err := PrepareAppend("acc", "1", NoStream(), 0, []Envelope{env("a", 2)})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("other stream", func(t *testing.T) {
		e := env("a", 1)
		e.AggregateID = "2"
		_, err := PrepareAppend("acc", "1", NoStream(), 0, []Envelope{e})
		require.Error(t, err)
	})

	t.Run("any assigns versions", func(t *testing.T) {
		out, err := PrepareAppend("acc", "1", AnyVersion(), 4, []Envelope{env("a", 0), env("b", 0)})
		require.NoError(t, err)
		require.Len(t, out, 2)
		require.Equal(t, Version(5), out[0].Version)
		require.Equal(t, Version(6), out[1].Version)
	})
}
