// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists pipeline state that must survive restarts:
// monitoring baselines, evolution results, recovery events, the pause
// state, and integrity reports. It wraps Badger with sane defaults and a
// background value-log GC loop.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Config controls how the store opens its Badger database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool

	// SyncWrites makes every write durable before returning. The pipeline
	// stores recovery-critical state, so this defaults to on.
	SyncWrites bool

	// Logger receives Badger's internal log output.
	Logger *slog.Logger

	// GCInterval is how often the value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to Badger's RunValueLogGC.
	GCDiscardRatio float64
}

// DefaultConfig returns the production configuration for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for ephemeral in-memory use.
func InMemoryConfig() Config {
	return Config{
		InMemory:       true,
		GCInterval:     0,
		GCDiscardRatio: 0.5,
	}
}

// Store is a thin wrapper around a Badger database.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Close may be called once.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	config Config

	gcStop chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the database described by config.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, fmt.Errorf("store: path is required for on-disk databases")
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", config.Path, err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		config: config,
	}

	if config.GCInterval > 0 && !config.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}

	return s, nil
}

// Close stops the GC loop and closes the database. Safe to call repeatedly.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gcStop != nil {
			close(s.gcStop)
			<-s.gcDone
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// WithTxn runs fn inside a read-write transaction and commits on success.
func (s *Store) WithTxn(fn func(txn *badger.Txn) error) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn inside a read-only transaction.
func (s *Store) WithReadTxn(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// runGC periodically reclaims value-log space. badger.ErrNoRewrite means
// there was nothing to collect and is not an error.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
				if err == nil {
					continue // a file was rewritten, try for another
				}
				if err == badger.ErrNoRewrite {
					break
				}
				s.logger.Warn("value log GC failed", "error", err)
				break
			}
		}
	}
}

// badgerLogger adapts Badger's logger interface onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(trimBadger(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(trimBadger(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(trimBadger(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(trimBadger(format, args...))
}

func trimBadger(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
