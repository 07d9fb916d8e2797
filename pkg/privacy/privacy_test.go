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

package privacy

import (
	"testing"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(map[int]string{1: "k1-secret", 2: "k2-secret"}, 2)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestNewHasherValidation(t *testing.T) {
	if _, err := NewHasher(nil, 1); err == nil {
		t.Error("expected error for empty secret map")
	}
	if _, err := NewHasher(map[int]string{1: ""}, 1); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewHasher(map[int]string{1: "s"}, 2); err == nil {
		t.Error("expected error for active version without secret")
	}
}

func TestHashKnownVectors(t *testing.T) {
	h := newTestHasher(t)

	v1, err := h.HashVersion("user@example.com", 1)
	if err != nil {
		t.Fatalf("HashVersion(1) failed: %v", err)
	}
	if v1.Hex != "dad8a9770715ec90a04409bc11ffd32c69ba843eb66f157a88e82f95e0d6ed46" {
		t.Errorf("unexpected v1 digest: %s", v1.Hex)
	}
	if v1.Version != 1 {
		t.Errorf("expected version 1, got %d", v1.Version)
	}

	v2 := h.Hash("user@example.com")
	if v2.Hex != "dc2a3e883f3392b82a75db3920151f1270e67c7cb31928871519a29a2908ad84" {
		t.Errorf("unexpected v2 digest: %s", v2.Hex)
	}
	if v2.Version != h.ActiveVersion() {
		t.Errorf("Hash should use the active version, got %d", v2.Version)
	}
}

func TestHashDeterminism(t *testing.T) {
	h := newTestHasher(t)
	a := h.Hash("198.51.100.23")
	b := h.Hash("198.51.100.23")
	if a != b {
		t.Errorf("same input should produce same digest: %v vs %v", a, b)
	}
	if len(a.Hex) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a.Hex))
	}
	if other := h.Hash("198.51.100.24"); other.Hex == a.Hex {
		t.Error("different inputs should not collide")
	}
}

func TestHashAllCoversEveryVersion(t *testing.T) {
	h := newTestHasher(t)
	digests := h.HashAll("user@example.com")
	if len(digests) != 2 {
		t.Fatalf("expected 2 digests, got %d", len(digests))
	}
	if digests[0].Version != 1 || digests[1].Version != 2 {
		t.Errorf("expected versions [1 2], got [%d %d]", digests[0].Version, digests[1].Version)
	}
	if digests[0].Hex == digests[1].Hex {
		t.Error("different secret versions should yield different digests")
	}
}

func TestHashVersionUnknown(t *testing.T) {
	h := newTestHasher(t)
	if _, err := h.HashVersion("x", 99); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestIPPrefix(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		want    string
		wantErr bool
	}{
		{"ipv4", "203.0.113.7", "203.0.113.0/24", false},
		{"ipv4 low octet", "10.1.2.3", "10.1.2.0/24", false},
		{"ipv4 whitespace", " 192.0.2.200 ", "192.0.2.0/24", false},
		{"ipv6", "2001:db8:abcd:12ff:fe80::1", "2001:db8:abcd:12ff::/64", false},
		{"ipv6 loopback", "::1", "::/64", false},
		{"ipv4 mapped", "::ffff:203.0.113.7", "203.0.113.0/24", false},
		{"invalid", "not-an-ip", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IPPrefix(tt.ip)
			if tt.wantErr {
				if err == nil {
					t.Errorf("IPPrefix(%q) expected error", tt.ip)
				}
				return
			}
			if err != nil {
				t.Fatalf("IPPrefix(%q) failed: %v", tt.ip, err)
			}
			if got != tt.want {
				t.Errorf("IPPrefix(%q) = %q, want %q", tt.ip, got, tt.want)
			}
		})
	}
}

func TestMailDomain(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"User@Example.COM", "example.com"},
		{"  a@b.org ", "b.org"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := MailDomain(tt.email); got != tt.want {
			t.Errorf("MailDomain(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}
