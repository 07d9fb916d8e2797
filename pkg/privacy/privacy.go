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

// Package privacy derives stable, non-reversible identifiers from raw
// personal identifiers (emails, IP addresses) so the rest of the system can
// match, count and block actors without persisting or logging PII.
//
// Hashes are keyed (HMAC-SHA256) and versioned: every digest carries the
// version of the secret that produced it, and matching code is expected to
// check digests under all configured versions during a secret rotation
// window. Rotation therefore never invalidates historical data.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Digest is a versioned identity hash. The version travels with the hex
// digest everywhere the digest is stored or logged.
type Digest struct {
	Hex     string `json:"hex"`
	Version int    `json:"version"`
}

// Hasher computes keyed identity hashes under one or more secret versions.
//
// Safe for concurrent use; the secret set is immutable after construction.
type Hasher struct {
	secrets map[int][]byte
	active  int
}

// NewHasher builds a Hasher from a version-to-secret map and the version to
// use for new digests. All configured versions remain valid for matching.
func NewHasher(secrets map[int]string, activeVersion int) (*Hasher, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("privacy: at least one hash secret is required")
	}
	keys := make(map[int][]byte, len(secrets))
	for version, secret := range secrets {
		if secret == "" {
			return nil, fmt.Errorf("privacy: hash secret for version %d is empty", version)
		}
		keys[version] = []byte(secret)
	}
	if _, ok := keys[activeVersion]; !ok {
		return nil, fmt.Errorf("privacy: active hash version %d has no secret", activeVersion)
	}
	return &Hasher{secrets: keys, active: activeVersion}, nil
}

// ActiveVersion returns the version used for newly produced digests.
func (h *Hasher) ActiveVersion() int {
	return h.active
}

// Versions returns all configured secret versions in ascending order.
func (h *Hasher) Versions() []int {
	versions := make([]int, 0, len(h.secrets))
	for v := range h.secrets {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// Hash digests value under the active secret version.
func (h *Hasher) Hash(value string) Digest {
	return h.hashWith(value, h.active)
}

// HashVersion digests value under a specific secret version.
func (h *Hasher) HashVersion(value string, version int) (Digest, error) {
	if _, ok := h.secrets[version]; !ok {
		return Digest{}, fmt.Errorf("privacy: unknown hash version %d", version)
	}
	return h.hashWith(value, version), nil
}

// HashAll digests value under every configured version, oldest first. Block
// matching uses this so entries hashed under retired secrets still match.
func (h *Hasher) HashAll(value string) []Digest {
	versions := h.Versions()
	digests := make([]Digest, 0, len(versions))
	for _, v := range versions {
		digests = append(digests, h.hashWith(value, v))
	}
	return digests
}

func (h *Hasher) hashWith(value string, version int) Digest {
	mac := hmac.New(sha256.New, h.secrets[version])
	mac.Write([]byte(value))
	return Digest{Hex: hex.EncodeToString(mac.Sum(nil)), Version: version}
}

// NormalizeEmail lowercases and trims an email address so equal addresses
// always hash to equal digests.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MailDomain extracts the lowercase domain part of an email address.
// Returns "" when the input has no domain part.
func MailDomain(email string) string {
	normalized := NormalizeEmail(email)
	at := strings.LastIndex(normalized, "@")
	if at < 0 || at == len(normalized)-1 {
		return ""
	}
	return normalized[at+1:]
}

// IPPrefix reduces an IP address to a coarse network identifier suitable for
// subnet-level blocking without retaining the full address: /24 for IPv4,
// /64 for IPv6.
func IPPrefix(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("privacy: invalid ip address %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return fmt.Sprintf("%s/24", masked), nil
	}
	masked := parsed.Mask(net.CIDRMask(64, 128))
	return fmt.Sprintf("%s/64", masked), nil
}
