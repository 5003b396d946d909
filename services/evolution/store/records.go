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
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes. Each record family gets its own namespace so prefix scans
// stay cheap.
const (
	prefixBaseline   = "baseline/"
	prefixResult     = "result/"
	prefixRecovery   = "recovery/"
	prefixMonitoring = "monitoring/"
	prefixReport     = "doctor/report/"
	keyPauseState    = "monitor/pause"
)

// BaselineKey returns the key for a captured monitoring baseline.
func BaselineKey(id string) string {
	return prefixBaseline + id
}

// MonitoringKey returns the key for the last monitoring result of a commit.
func MonitoringKey(commitID string) string {
	return prefixMonitoring + commitID
}

// ResultKey returns the key for a finished pipeline run.
func ResultKey(proposalID string) string {
	return prefixResult + proposalID
}

// RecoveryKey returns a time-ordered key for a recovery event. RFC 3339
// with nanoseconds sorts lexicographically in event order.
func RecoveryKey(at time.Time) string {
	return prefixRecovery + at.UTC().Format(time.RFC3339Nano)
}

// ReportKey returns a key for an integrity report on the named artifact.
func ReportKey(artifact string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s", prefixReport, artifact, at.UTC().Format(time.RFC3339Nano))
}

// PauseKey returns the key holding the pipeline's pause state.
func PauseKey() string {
	return keyPauseState
}

// ResultPrefix exposes the result namespace for listing.
func ResultPrefix() string { return prefixResult }

// RecoveryPrefix exposes the recovery namespace for listing.
func RecoveryPrefix() string { return prefixRecovery }

// MonitoringPrefix exposes the monitoring namespace for listing.
func MonitoringPrefix() string { return prefixMonitoring }

// ReportPrefix exposes the integrity report namespace for listing.
func ReportPrefix() string { return prefixReport }

// PutJSON marshals v and stores it under key.
func (s *Store) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return s.WithTxn(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// GetJSON loads key into v. The boolean reports whether the key existed.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	var data []byte
	err := s.WithReadTxn(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.WithTxn(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// List walks every key under prefix in lexicographic order, invoking fn
// with the key and raw value. Returning an error from fn stops the walk.
func (s *Store) List(prefix string, fn func(key string, value []byte) error) error {
	return s.WithReadTxn(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}
