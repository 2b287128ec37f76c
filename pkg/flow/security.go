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

package flow

import (
	"net/url"
	"strings"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// validateFetchURL enforces spec.md §6's External Fetch allowlist rules:
// the scheme must be in cfg.AllowedSchemes, the URL must carry no
// userinfo or fragment, and when cfg.AllowedHosts is non-empty the host
// must appear in it.
func validateFetchURL(raw string, cfg SecurityConfig) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, xerror.Security("flow: external fetch url %q is not parseable", raw).WithContext("url", raw)
	}

	if u.User != nil {
		return nil, xerror.Security("flow: external fetch url must not carry userinfo").WithContext("url", raw)
	}
	if u.Fragment != "" {
		return nil, xerror.Security("flow: external fetch url must not carry a fragment").WithContext("url", raw)
	}
	if u.Host == "" {
		return nil, xerror.Security("flow: external fetch url must have a host").WithContext("url", raw)
	}

	schemeOK := false
	for _, s := range cfg.AllowedSchemes {
		if strings.EqualFold(s, u.Scheme) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return nil, xerror.Security("flow: scheme %q is not allowed", u.Scheme).WithContext("url", raw)
	}

	if len(cfg.AllowedHosts) > 0 {
		hostOK := false
		for _, h := range cfg.AllowedHosts {
			if strings.EqualFold(h, u.Hostname()) {
				hostOK = true
				break
			}
		}
		if !hostOK {
			return nil, xerror.Security("flow: host %q is not in the allowlist", u.Hostname()).WithContext("url", raw)
		}
	}

	return u, nil
}
