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
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/insiderscore/pg-reflinker/internal/config"
	"github.com/insiderscore/pg-reflinker/internal/meta"
)

// BuildCleanupJob builds the node-pinned deletion worker: a Job mounting
// HOSTPATH_PREFIX on the node that held the directory, running
// `rm -rf HOSTPATH_PREFIX/{guid}`. The worker is idempotent: absence of
// the directory is success.
func BuildCleanupJob(guid, node, namespace string) *batchv1.Job {
	if namespace == "" {
		namespace = meta.DefaultFallbackNamespace
	}

	script := "rm -rf " + meta.HostPath(config.Current.HostPathPrefix, guid)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      meta.CleanupJobName(guid),
			Namespace: namespace,
			Labels:    managedByLabels(),
			Annotations: map[string]string{
				meta.AnnotationBackupJobGUID: guid,
				meta.AnnotationNode:          node,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: backoffLimitZero,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: managedByLabels()},
				Spec: corev1.PodSpec{
					RestartPolicy: restartPolicyNever,
					NodeName:      node,
					Containers: []corev1.Container{
						{
							Name:    "cleanup",
							Image:   "busybox",
							Command: []string{"sh", "-c", script},
							SecurityContext: &corev1.SecurityContext{
								RunAsUser:  ptr.To(int64(0)),
								RunAsGroup: ptr.To(int64(0)),
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "hostpath", MountPath: config.Current.HostPathPrefix},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "hostpath",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{
									Path: config.Current.HostPathPrefix,
									Type: ptr.To(corev1.HostPathDirectory),
								},
							},
						},
					},
				},
			},
		},
	}
}
