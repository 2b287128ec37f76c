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

package function

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// SourceWatcher watches a directory of "<id>.src" files and calls
// HotReload on the owning Registry whenever one changes on disk. This is
// what "hot_reload_enabled" looks like operationally: editing a function
// source file on disk takes effect without restarting the process.
type SourceWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	dialect  string
	log      *slog.Logger
	done     chan struct{}
}

// WatchDirectory starts watching dir for writes to function source files
// and hot-reloads the corresponding registry entry (file stem = function
// id) using dialect to compile the new source.
func WatchDirectory(r *Registry, dir, dialect string, log *slog.Logger) (*SourceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	sw := &SourceWatcher{registry: r, watcher: w, dialect: dialect, log: log, done: make(chan struct{})}
	go sw.loop()
	return sw, nil
}

func (sw *SourceWatcher) loop() {
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			sw.reload(ev.Name)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Warn("function source watcher error", "error", err)
		case <-sw.done:
			return
		}
	}
}

func (sw *SourceWatcher) reload(path string) {
	id := idFromPath(path)
	if id == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		sw.log.Warn("function source watcher: read failed", "path", path, "error", err)
		return
	}
	if err := sw.registry.HotReload(id, string(data), sw.dialect, Signature{}, Metadata{}); err != nil {
		sw.log.Warn("function hot reload failed", "id", id, "error", err)
		return
	}
	sw.log.Info("function hot reloaded", "id", id)
}

func idFromPath(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			base = path[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

// Close stops the watcher.
func (sw *SourceWatcher) Close() error {
	close(sw.done)
	return sw.watcher.Close()
}
