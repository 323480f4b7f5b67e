/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package nvcounter models the rollback-protection counter interface
// consumed by the bootloader: nv_counter_get, nv_counter_set and
// nv_counter_lock, one counter per image index. On real hardware these
// live in one-time-programmable fuses or a monotonic counter peripheral;
// here they are backed by a SQLite table so the simulator can persist
// and inspect counter state across boot() calls the same way the real
// bootloader persists it across power cycles.
package nvcounter

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/mcuboot/util"
)

// Store is a monotonic, lockable counter table keyed by image index.
type Store struct {
	dbPath string
	db     *sql.DB
	locked map[int]bool
}

// Open creates (or reopens) the counter table at dbPath. An empty dbPath
// opens an in-memory database, which is convenient for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, util.FmtNewtError("opening nv counter db: %s", err.Error())
	}

	q := `CREATE TABLE IF NOT EXISTS nv_counter (
		image_index INTEGER PRIMARY KEY,
		value       INTEGER NOT NULL,
		locked      INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(q); err != nil {
		return nil, util.FmtNewtError("creating nv counter table: %s", err.Error())
	}

	s := &Store{
		dbPath: dbPath,
		db:     db,
		locked: make(map[int]bool),
	}

	rows, err := db.Query("SELECT image_index, locked FROM nv_counter")
	if err != nil {
		return nil, util.FmtNewtError("reading nv counter db: %s", err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		var locked int
		if err := rows.Scan(&idx, &locked); err != nil {
			return nil, util.FmtNewtError("scanning nv counter row: %s", err.Error())
		}
		s.locked[idx] = locked != 0
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the current counter value for imageIndex, defaulting to 0
// if no value has ever been set.
func (s *Store) Get(imageIndex int) (uint32, error) {
	var value int64
	row := s.db.QueryRow(
		"SELECT value FROM nv_counter WHERE image_index = ?", imageIndex)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, util.FmtNewtError("reading nv counter: %s", err.Error())
	}

	return uint32(value), nil
}

// Set stores value for imageIndex. The counter is monotonic: Set refuses
// to move the value backward, and a locked counter refuses any write at
// all. Both match the hardware counters' one-way semantics.
func (s *Store) Set(imageIndex int, value uint32) error {
	if s.locked[imageIndex] {
		return util.FmtNewtError(
			"nv counter for image %d is locked", imageIndex)
	}

	cur, err := s.Get(imageIndex)
	if err != nil {
		return err
	}
	if value < cur {
		return util.FmtNewtError(
			"nv counter for image %d may not decrease (%d -> %d)",
			imageIndex, cur, value)
	}

	_, err = s.db.Exec(
		`INSERT INTO nv_counter(image_index, value, locked)
			VALUES (?, ?, 0)
			ON CONFLICT(image_index) DO UPDATE SET value=excluded.value`,
		imageIndex, value)
	if err != nil {
		return util.FmtNewtError("writing nv counter: %s", err.Error())
	}

	log.Debugf("nv counter[%d] set to %d", imageIndex, value)

	return nil
}

// Lock freezes imageIndex's counter; subsequent Set calls fail until the
// underlying store is reinitialized, mirroring a one-time-programmable
// fuse being blown after boot confirms the running image.
func (s *Store) Lock(imageIndex int) error {
	if _, err := s.db.Exec(
		`UPDATE nv_counter SET locked = 1 WHERE image_index = ?`,
		imageIndex); err != nil {
		return util.FmtNewtError("locking nv counter: %s", err.Error())
	}

	s.locked[imageIndex] = true
	log.Debugf("nv counter[%d] locked", imageIndex)

	return nil
}
