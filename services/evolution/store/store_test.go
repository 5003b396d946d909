// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetJSON(t *testing.T) {
	s := openTestStore(t)

	want := testRecord{Name: "baseline", Count: 3}
	require.NoError(t, s.PutJSON("test/key", want))

	var got testRecord
	found, err := s.GetJSON("test/key", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestGetJSONMissingKey(t *testing.T) {
	s := openTestStore(t)

	var got testRecord
	found, err := s.GetJSON("does/not/exist", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutJSON("gone", testRecord{Name: "x"}))
	require.NoError(t, s.Delete("gone"))
	require.NoError(t, s.Delete("gone"))

	var got testRecord
	found, err := s.GetJSON("gone", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListWalksPrefixInOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		key := RecoveryKey(base.Add(time.Duration(i) * time.Second))
		require.NoError(t, s.PutJSON(key, testRecord{Count: i}))
	}
	// A key outside the prefix must not appear in the walk.
	require.NoError(t, s.PutJSON(BaselineKey("abc123"), testRecord{Name: "other"}))

	var counts []int
	err := s.List(RecoveryPrefix(), func(key string, value []byte) error {
		var rec testRecord
		require.NoError(t, json.Unmarshal(value, &rec))
		counts = append(counts, rec.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, counts)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestKeyConstructors(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "baseline/deadbeef", BaselineKey("deadbeef"))
	assert.Equal(t, "result/prop-1", ResultKey("prop-1"))
	assert.Contains(t, RecoveryKey(at), "recovery/2025-06-01T12:00:00")
	assert.Contains(t, ReportKey("scene.rts", at), "doctor/report/scene.rts/")
	assert.Equal(t, "monitor/pause", PauseKey())
}
