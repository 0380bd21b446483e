/*
Copyright The CloudNativePG Contributors

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

// Package guid derives a 128-bit snapshot identity from a claim's UID, so
// the same claim always maps to the same on-host directory, volume name,
// and job name across restarts.
package guid

import (
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/types"
)

// Derive returns the guid for a claim's UID. Kubernetes UIDs are
// themselves RFC 4122 UUIDs, so the common case is a pass-through that
// normalizes casing; a UID that doesn't parse as a UUID (unavailable, or
// a fake client in tests) falls back to a freshly generated random one.
func Derive(uid types.UID) string {
	if parsed, err := uuid.Parse(string(uid)); err == nil {
		return parsed.String()
	}
	return uuid.New().String()
}
