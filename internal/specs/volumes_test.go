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
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/insiderscore/pg-reflinker/internal/classify"
	"github.com/insiderscore/pg-reflinker/internal/introspect"
	"github.com/insiderscore/pg-reflinker/internal/meta"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func strPtr(s string) *string { return &s }

var _ = Describe("BuildPreBoundVolume", func() {
	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "db-clone", Namespace: "app"},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: strPtr("pgrl"),
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse("10Gi")},
			},
		},
	}
	source := &introspect.SourceRecord{
		ClusterID:       "db-1",
		SourceNamespace: "app",
		SourceClaimName: "db-1-data",
		PrimaryNode:     "node-a",
	}

	It("leaves the storage class unset", func() {
		pv := BuildPreBoundVolume("abcd", claim, source, corev1.PersistentVolumeReclaimDelete)
		Expect(pv.Spec.StorageClassName).To(BeEmpty())
	})

	It("names the volume pvc-{guid}", func() {
		pv := BuildPreBoundVolume("abcd", claim, source, corev1.PersistentVolumeReclaimDelete)
		Expect(pv.Name).To(Equal(meta.VolumeName("abcd")))
	})

	It("sets a claim reference without a UID", func() {
		pv := BuildPreBoundVolume("abcd", claim, source, corev1.PersistentVolumeReclaimDelete)
		Expect(pv.Spec.ClaimRef.Namespace).To(Equal("app"))
		Expect(pv.Spec.ClaimRef.Name).To(Equal("db-clone"))
		Expect(pv.Spec.ClaimRef.UID).To(BeEmpty())
	})

	It("carries the cleanup finalizer", func() {
		pv := BuildPreBoundVolume("abcd", claim, source, corev1.PersistentVolumeReclaimDelete)
		Expect(pv.Finalizers).To(ContainElement(meta.CleanupFinalizer))
	})

	It("carries the full persistent-state annotation set", func() {
		pv := BuildPreBoundVolume("abcd", claim, source, corev1.PersistentVolumeReclaimDelete)
		Expect(pv.Annotations[meta.AnnotationSourceCluster]).To(Equal("db-1"))
		Expect(pv.Annotations[meta.AnnotationSourceBackupLabel]).To(Equal("abcd"))
		Expect(pv.Annotations[meta.AnnotationStorageClass]).To(Equal("pgrl"),
			"the annotation records the class; only spec.storageClassName stays empty for late binding")
		Expect(pv.Annotations[meta.AnnotationNode]).To(Equal("node-a"))
	})
})

var _ = Describe("BindVolume", func() {
	It("sets storage-class and the claim UID in claim-ref", func() {
		pv := &corev1.PersistentVolume{ObjectMeta: metav1.ObjectMeta{Name: "pvc-abcd"}}
		claim := &corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "db-clone", Namespace: "app", UID: "claim-uid"},
			Spec:       corev1.PersistentVolumeClaimSpec{StorageClassName: strPtr("pgrl")},
		}

		Expect(BindVolume(pv, claim)).To(Succeed())
		Expect(pv.Spec.StorageClassName).To(Equal("pgrl"))
		Expect(pv.Spec.ClaimRef.UID).To(BeEquivalentTo("claim-uid"))
	})

	It("fails permanently when the claim has no UID", func() {
		pv := &corev1.PersistentVolume{}
		claim := &corev1.PersistentVolumeClaim{
			Spec: corev1.PersistentVolumeClaimSpec{StorageClassName: strPtr("pgrl")},
		}

		err := BindVolume(pv, claim)
		Expect(classify.IsPermanent(err)).To(BeTrue())
	})
})
