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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/insiderscore/pg-reflinker/internal/classify"
	"github.com/insiderscore/pg-reflinker/internal/config"
	"github.com/insiderscore/pg-reflinker/internal/introspect"
	"github.com/insiderscore/pg-reflinker/internal/meta"
)

// BuildPreBoundVolume builds the pre-bound form of a SnapshotVolume: a
// PersistentVolume carrying a claim reference (so the scheduler won't hand
// it to anyone else) but no storage-class, which is what keeps the
// scheduler from binding it before the BackupJob succeeds.
func BuildPreBoundVolume(
	guid string,
	claim *corev1.PersistentVolumeClaim,
	source *introspect.SourceRecord,
	reclaimPolicy corev1.PersistentVolumeReclaimPolicy,
) *corev1.PersistentVolume {
	capacity := claim.Spec.Resources.Requests[corev1.ResourceStorage]

	storageClass := ""
	if claim.Spec.StorageClassName != nil {
		storageClass = *claim.Spec.StorageClassName
	}

	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{
			Name:       meta.VolumeName(guid),
			Labels:     managedByLabels(),
			Finalizers: []string{meta.CleanupFinalizer},
			Annotations: map[string]string{
				meta.AnnotationSourceCluster:     source.ClusterID,
				meta.AnnotationSourceNamespace:   source.SourceNamespace,
				meta.AnnotationSourceClaim:       source.SourceClaimName,
				meta.AnnotationSourceBackupLabel: guid,
				meta.AnnotationClaimNamespace:    claim.Namespace,
				meta.AnnotationClaimName:         claim.Name,
				meta.AnnotationStorageClass:      storageClass,
				meta.AnnotationNode:              source.PrimaryNode,
			},
		},
		Spec: corev1.PersistentVolumeSpec{
			Capacity:                      corev1.ResourceList{corev1.ResourceStorage: capacity},
			AccessModes:                   claim.Spec.AccessModes,
			PersistentVolumeReclaimPolicy: reclaimPolicy,
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				Local: &corev1.LocalVolumeSource{
					Path: meta.HostPath(config.Current.HostPathPrefix, guid),
				},
			},
			ClaimRef: &corev1.ObjectReference{
				APIVersion: "v1",
				Kind:       "PersistentVolumeClaim",
				Namespace:  claim.Namespace,
				Name:       claim.Name,
			},
		},
	}

	if source.SourceNodeAffinity != nil {
		pv.Spec.NodeAffinity = source.SourceNodeAffinity
	} else {
		pv.Spec.NodeAffinity = &corev1.VolumeNodeAffinity{
			Required: &corev1.NodeSelector{
				NodeSelectorTerms: []corev1.NodeSelectorTerm{
					{
						MatchExpressions: []corev1.NodeSelectorRequirement{
							{
								Key:      "kubernetes.io/hostname",
								Operator: corev1.NodeSelectorOpIn,
								Values:   []string{source.PrimaryNode},
							},
						},
					},
				},
			},
		}
	}

	return pv
}

// BindVolume mutates a published PersistentVolume to its bound form: it
// sets the storage-class and stamps the claim UID into claim-ref, the
// value that gates orchestrator binding. A missing claim UID is a
// permanent failure under the late-binding protocol.
func BindVolume(pv *corev1.PersistentVolume, claim *corev1.PersistentVolumeClaim) error {
	if claim.UID == "" {
		return classify.Permanentf("claim %s/%s has no UID, refusing to bind %s", claim.Namespace, claim.Name, pv.Name)
	}

	storageClass := ""
	if claim.Spec.StorageClassName != nil {
		storageClass = *claim.Spec.StorageClassName
	}
	if storageClass == "" {
		return classify.Permanentf("claim %s/%s has no storage class", claim.Namespace, claim.Name)
	}

	pv.Spec.StorageClassName = storageClass
	pv.Spec.ClaimRef = &corev1.ObjectReference{
		APIVersion: "v1",
		Kind:       "PersistentVolumeClaim",
		Namespace:  claim.Namespace,
		Name:       claim.Name,
		UID:        claim.UID,
	}
	if pv.Annotations == nil {
		pv.Annotations = map[string]string{}
	}
	pv.Annotations[meta.AnnotationStorageClass] = storageClass
	return nil
}
