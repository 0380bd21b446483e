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

package config

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Data", func() {
	It("defaults HostPathPrefix when unset", func() {
		cfg := newDefaultConfig()
		cfg.ReadConfigMap(nil)
		Expect(cfg.HostPathPrefix).To(Equal("/var/lib/pg-reflinker"))
	})

	It("searches the claim namespace before NamespacePath", func() {
		cfg := &Data{NamespacePath: []string{"shared", "other"}}
		Expect(cfg.CandidateNamespaces("app")).To(Equal([]string{"app", "shared", "other"}))
	})

	It("reads NamespacePath from a comma separated value", func() {
		cfg := newDefaultConfig()
		cfg.ReadConfigMap(map[string]string{"NAMESPACE_PATH": "shared,other"})
		Expect(cfg.NamespacePath).To(Equal([]string{"shared", "other"}))
	})
})
