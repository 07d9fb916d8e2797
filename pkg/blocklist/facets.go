// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blocklist

import (
	"github.com/kadirpekel/cerberus/pkg/privacy"
)

// storedFacets is the privacy-safe projection of request facets: raw email
// and IP are replaced by active-version hashes and coarse derivatives.
type storedFacets struct {
	UserID      string
	EmailHash   string
	IPHash      string
	IPPrefix    string
	MailDomain  string
	HashVersion int
}

// matchFacets is the query-side expansion: raw values are hashed under
// every configured secret version so blocks created before a rotation
// still match.
type matchFacets struct {
	UserID      string
	EmailHashes []string
	IPHashes    []string
	IPPrefix    string
	MailDomain  string
}

func (m matchFacets) isZero() bool {
	return m.UserID == "" && len(m.EmailHashes) == 0 && len(m.IPHashes) == 0 &&
		m.IPPrefix == "" && m.MailDomain == ""
}

// toStored converts request facets for storage using the active secret
// version. Pre-hashed inputs are taken verbatim; raw email and IP are
// hashed. The coarse facets (IP prefix, mail domain) are stored only when
// given explicitly: deriving them here would turn a single-address block
// into a subnet block.
func toStored(h *privacy.Hasher, f Facets) storedFacets {
	s := storedFacets{
		UserID:     f.UserID,
		EmailHash:  f.EmailHash,
		IPHash:     f.IPHash,
		IPPrefix:   f.IPPrefix,
		MailDomain: f.MailDomain,
	}

	if f.Email != "" && s.EmailHash == "" {
		d := h.Hash(privacy.NormalizeEmail(f.Email))
		s.EmailHash = d.Hex
		s.HashVersion = d.Version
	}

	if f.IPAddress != "" && s.IPHash == "" {
		d := h.Hash(f.IPAddress)
		s.IPHash = d.Hex
		s.HashVersion = d.Version
	}

	if s.HashVersion == 0 && (s.EmailHash != "" || s.IPHash != "") {
		// Pre-hashed facets with no raw counterpart: version unknown,
		// record the active one.
		s.HashVersion = h.ActiveVersion()
	}

	return s
}

// toMatch expands request facets for matching: raw values are hashed under
// every configured version, and the IP prefix and mail domain are derived so
// that a concrete address is caught by subnet- and domain-level blocks.
func toMatch(h *privacy.Hasher, f Facets) matchFacets {
	m := matchFacets{
		UserID:     f.UserID,
		IPPrefix:   f.IPPrefix,
		MailDomain: f.MailDomain,
	}

	if f.EmailHash != "" {
		m.EmailHashes = append(m.EmailHashes, f.EmailHash)
	}
	if f.Email != "" {
		email := privacy.NormalizeEmail(f.Email)
		for _, d := range h.HashAll(email) {
			m.EmailHashes = append(m.EmailHashes, d.Hex)
		}
		if m.MailDomain == "" {
			m.MailDomain = privacy.MailDomain(email)
		}
	}

	if f.IPHash != "" {
		m.IPHashes = append(m.IPHashes, f.IPHash)
	}
	if f.IPAddress != "" {
		for _, d := range h.HashAll(f.IPAddress) {
			m.IPHashes = append(m.IPHashes, d.Hex)
		}
		if m.IPPrefix == "" {
			if prefix, err := privacy.IPPrefix(f.IPAddress); err == nil {
				m.IPPrefix = prefix
			}
		}
	}

	return m
}

// matches reports whether a stored block overlaps the expanded facets on
// at least one dimension.
func (m matchFacets) matches(b *Block) bool {
	if m.UserID != "" && b.UserID != "" && m.UserID == b.UserID {
		return true
	}
	if b.EmailHash != "" {
		for _, hash := range m.EmailHashes {
			if hash == b.EmailHash {
				return true
			}
		}
	}
	if b.IPHash != "" {
		for _, hash := range m.IPHashes {
			if hash == b.IPHash {
				return true
			}
		}
	}
	if m.IPPrefix != "" && b.IPPrefix != "" && m.IPPrefix == b.IPPrefix {
		return true
	}
	if m.MailDomain != "" && b.MailDomain != "" && m.MailDomain == b.MailDomain {
		return true
	}
	return false
}

// sameScope reports whether a stored block has exactly the same facet
// tuple as the stored projection; used for idempotent creates.
func (s storedFacets) sameScope(b *Block) bool {
	return b.UserID == s.UserID &&
		b.EmailHash == s.EmailHash &&
		b.IPHash == s.IPHash &&
		b.IPPrefix == s.IPPrefix &&
		b.MailDomain == s.MailDomain
}
