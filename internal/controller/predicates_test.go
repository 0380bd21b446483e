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

package controller

import (
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"

	"github.com/insiderscore/pg-reflinker/internal/meta"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("managedByUs", func() {
	managed := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Labels: map[string]string{meta.ManagedByLabelName: meta.ManagedByLabelValue},
		},
	}
	unrelated := &batchv1.Job{}

	It("accepts Create events for objects it manages", func() {
		Expect(managedByUs.Create(event.CreateEvent{Object: managed})).To(BeTrue())
		Expect(managedByUs.Create(event.CreateEvent{Object: unrelated})).To(BeFalse())
	})

	It("accepts Update events keyed on the new object", func() {
		Expect(managedByUs.Update(event.UpdateEvent{ObjectOld: unrelated, ObjectNew: managed})).To(BeTrue())
		Expect(managedByUs.Update(event.UpdateEvent{ObjectOld: managed, ObjectNew: unrelated})).To(BeFalse())
	})

	It("accepts Delete events for objects it manages and rejects Generic events for others", func() {
		Expect(managedByUs.Delete(event.DeleteEvent{Object: managed})).To(BeTrue())
		Expect(managedByUs.Generic(event.GenericEvent{Object: unrelated})).To(BeFalse())
	})
})
