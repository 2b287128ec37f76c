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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// FilesystemStore persists one JSON file per state identifier under Base,
// plus a snapshot file per version under Base/snapshots. Writes are
// atomic (temp file + rename) per spec.md §6.
type FilesystemStore struct {
	Base string
}

// NewFilesystemStore creates a FilesystemStore rooted at base, creating
// the directory (and its snapshots subdirectory) if needed.
func NewFilesystemStore(base string) (*FilesystemStore, error) {
	if err := os.MkdirAll(filepath.Join(base, "snapshots"), 0o755); err != nil {
		return nil, xerror.Internal("filesystem store: mkdir: %v", err)
	}
	return &FilesystemStore{Base: base}, nil
}

// sanitize replaces ':', '/', '\\' with '_' as required by spec.md §6.
func sanitize(identifier string) string {
	r := strings.NewReplacer(":", "_", "/", "_", `\`, "_")
	return r.Replace(identifier)
}

func (f *FilesystemStore) statePath(identifier string) string {
	return filepath.Join(f.Base, sanitize(identifier)+".json")
}

func (f *FilesystemStore) snapshotPath(identifier string, version int64) string {
	return filepath.Join(f.Base, "snapshots", fmt.Sprintf("%s_%d.json", sanitize(identifier), version))
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FilesystemStore) SaveState(_ context.Context, s *State) error {
	data, err := s.Serialize()
	if err != nil {
		return xerror.Internal("filesystem store: serialize: %v", err)
	}
	id := s.Identifier()
	if err := atomicWrite(f.statePath(id), data); err != nil {
		return xerror.Internal("filesystem store: write state: %v", err)
	}
	if err := atomicWrite(f.snapshotPath(id, s.Version), data); err != nil {
		return xerror.Internal("filesystem store: write snapshot: %v", err)
	}
	return nil
}

func (f *FilesystemStore) LoadState(_ context.Context, identifier string) (*State, error) {
	data, err := os.ReadFile(f.statePath(identifier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerror.NotFound("state %s not found", identifier)
		}
		return nil, xerror.Internal("filesystem store: read: %v", err)
	}
	s, err := Deserialize(data)
	if err != nil {
		return nil, xerror.Internal("filesystem store: deserialize: %v", err)
	}
	return s, nil
}

func (f *FilesystemStore) DeleteState(_ context.Context, identifier string) error {
	if err := os.Remove(f.statePath(identifier)); err != nil && !os.IsNotExist(err) {
		return xerror.Internal("filesystem store: delete: %v", err)
	}
	return nil
}

func (f *FilesystemStore) CleanupStaleStates(ctx context.Context, timeout time.Duration) (int, error) {
	entries, err := os.ReadDir(f.Base)
	if err != nil {
		return 0, xerror.Internal("filesystem store: readdir: %v", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > timeout {
			if err := os.Remove(filepath.Join(f.Base, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (f *FilesystemStore) GetStateVersion(ctx context.Context, identifier string) (int64, error) {
	s, err := f.LoadState(ctx, identifier)
	if err != nil {
		return 0, err
	}
	return s.Version, nil
}

func (f *FilesystemStore) RollbackState(ctx context.Context, identifier string, version int64) (*State, error) {
	s, err := f.LoadState(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := s.RollbackToVersion(version); err != nil {
		return nil, err
	}
	if err := f.SaveState(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
