// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// SQLStore persists states in a SQLite table, one row per identifier,
// keyed by the full "user:channel:flow" identifier and carrying the
// current version alongside the serialized document for fast
// GetStateVersion lookups without a full deserialize.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if absent) a SQLite database at path and
// ensures the states table exists.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, xerror.Internal("sql store: open: %v", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS states (
	identifier TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	document   BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerror.Internal("sql store: migrate: %v", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) SaveState(ctx context.Context, st *State) error {
	data, err := st.Serialize()
	if err != nil {
		return xerror.Internal("sql store: serialize: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO states (identifier, version, document, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(identifier) DO UPDATE SET version=excluded.version, document=excluded.document, updated_at=excluded.updated_at
`, st.Identifier(), st.Version, data, time.Now())
	if err != nil {
		return xerror.Internal("sql store: upsert: %v", err)
	}
	return nil
}

func (s *SQLStore) LoadState(ctx context.Context, identifier string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM states WHERE identifier = ?`, identifier)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, xerror.NotFound("state %s not found", identifier)
		}
		return nil, xerror.Internal("sql store: scan: %v", err)
	}
	return Deserialize(data)
}

func (s *SQLStore) DeleteState(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE identifier = ?`, identifier)
	if err != nil {
		return xerror.Internal("sql store: delete: %v", err)
	}
	return nil
}

func (s *SQLStore) CleanupStaleStates(ctx context.Context, timeout time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE updated_at < ?`, time.Now().Add(-timeout))
	if err != nil {
		return 0, xerror.Internal("sql store: cleanup: %v", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) GetStateVersion(ctx context.Context, identifier string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version FROM states WHERE identifier = ?`, identifier)
	var v int64
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, xerror.NotFound("state %s not found", identifier)
		}
		return 0, xerror.Internal("sql store: scan version: %v", err)
	}
	return v, nil
}

func (s *SQLStore) RollbackState(ctx context.Context, identifier string, version int64) (*State, error) {
	st, err := s.LoadState(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := st.RollbackToVersion(version); err != nil {
		return nil, err
	}
	if err := s.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}
