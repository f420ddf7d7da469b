/*
   Copyright The cvmfs-contrib Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package journal keeps a durable record of publish attempts, one
// bucket per filesystem, so operators can audit which tag pointed at
// which digest and when. The journal lives outside the repository and
// is never part of a transaction.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Entry is one publish attempt.
type Entry struct {
	Image    string        `json:"image"`
	Tag      string        `json:"tag"`
	Digest   string        `json:"digest"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	When     time.Time     `json:"when"`
}

// Journal is a bbolt-backed append-only record.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an entry under the named filesystem. Keys sort by
// time, so listing in key order is listing in publish order.
func (j *Journal) Record(fsname string, e Entry) error {
	if e.When.IsZero() {
		e.When = time.Now()
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(fsname))
		if err != nil {
			return err
		}
		key := []byte(e.When.UTC().Format(time.RFC3339Nano) + "|" + e.Tag)
		val, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return bucket.Put(key, val)
	})
}

// List returns up to limit entries for fsname, newest first. limit <= 0
// means all.
func (j *Journal) List(fsname string, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(fsname))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt journal entry %q: %w", k, err)
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
