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

package specs

import (
	"github.com/insiderscore/pg-reflinker/internal/meta"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BuildCleanupJob", func() {
	It("pins the job to the node holding the directory", func() {
		job := BuildCleanupJob("abcd", "node-a", "app")
		Expect(job.Spec.Template.Spec.NodeName).To(Equal("node-a"))
	})

	It("falls back to the default namespace when none is given", func() {
		job := BuildCleanupJob("abcd", "node-a", "")
		Expect(job.Namespace).To(Equal(meta.DefaultFallbackNamespace))
	})

	It("removes exactly the guid's directory", func() {
		job := BuildCleanupJob("abcd", "node-a", "app")
		command := job.Spec.Template.Spec.Containers[0].Command
		Expect(command[len(command)-1]).To(ContainSubstring("/abcd"))
		Expect(command[len(command)-1]).To(HavePrefix("rm -rf "))
	})

	It("names the job after the guid", func() {
		job := BuildCleanupJob("abcd", "node-a", "app")
		Expect(job.Name).To(Equal(meta.CleanupJobName("abcd")))
	})
})
