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

// Package server exposes the rate limiting engine over HTTP for sidecar
// and central deployments.
//
// The decision endpoint POST /v1/check returns the full decision as JSON;
// denials are HTTP 200 and the caller enforces. Administrative routes
// under /v1 manage counters, policies, and manual blocks, and can be
// disabled for untrusted networks. /health reports per-side store health
// and /metrics serves the Prometheus scrape endpoint.
//
// The server runs the HTTP listener, the counter janitor, and the config
// watcher as one task group. A config change tears the runtime down and
// rebuilds it; SIGINT and SIGTERM shut it down gracefully.
package server
