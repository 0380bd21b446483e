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

// Package config contains the configuration of the controller, read from
// environment variables.
package config

import "github.com/insiderscore/pg-reflinker/internal/meta"

// Data is the struct containing the configuration of the controller.
// Code should use the Current package variable.
type Data struct {
	// HostPathPrefix is the parent directory on each node for snapshot
	// subdirectories: HOSTPATH_PREFIX/{guid}.
	HostPathPrefix string `json:"hostPathPrefix" env:"HOSTPATH_PREFIX"`

	// NamespacePath lists additional namespaces searched, in order, when
	// a claim's data-source reference omits a namespace. Searched after
	// the claim's own namespace.
	NamespacePath []string `json:"namespacePath" env:"NAMESPACE_PATH"`
}

// Current is the configuration used by the controller process.
var Current = NewConfiguration()

func newDefaultConfig() *Data {
	return &Data{
		HostPathPrefix: meta.DefaultHostPathPrefix,
	}
}

// NewConfiguration builds a new Data by reading the environment variables.
func NewConfiguration() *Data {
	configuration := newDefaultConfig()
	configuration.ReadConfigMap(nil)
	return configuration
}

// ReadConfigMap reads the configuration from the environment, and from
// data when the environment doesn't have a value.
func (config *Data) ReadConfigMap(data map[string]string) {
	ReadConfigMap(config, newDefaultConfig(), data, OsEnvironment{})
}

// CandidateNamespaces returns the ordered list of namespaces the Cluster
// Introspector should search when a claim's data source doesn't name one:
// the claim's own namespace first, then NamespacePath in order.
func (config *Data) CandidateNamespaces(claimNamespace string) []string {
	result := make([]string, 0, len(config.NamespacePath)+1)
	result = append(result, claimNamespace)
	result = append(result, config.NamespacePath...)
	return result
}
