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

// Package specs builds the declarative Kubernetes object specs this
// controller materializes: the BackupJob, the cleanup Job, and both forms
// of the published PersistentVolume.
package specs

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/insiderscore/pg-reflinker/internal/backupprotocol"
	"github.com/insiderscore/pg-reflinker/internal/config"
	"github.com/insiderscore/pg-reflinker/internal/introspect"
	"github.com/insiderscore/pg-reflinker/internal/meta"
)

const (
	restartPolicyNever      = corev1.RestartPolicyNever
	replicationTLSMountPath = "/controller/replication-tls"
	caMountPath             = "/controller/ca"
)

var backoffLimitZero = ptr.To(int32(0))

// BuildBackupJob builds a one-shot Job pinned to the cluster's primary
// node, running the Backup Protocol as its only container, fed the source
// claim and the on-host destination directory as volumes. The Job lives
// in the source claim's namespace: a pod can only mount a
// PersistentVolumeClaim from its own namespace, and the source claim is
// not necessarily in the requesting claim's.
func BuildBackupJob(
	guid string,
	claim *corev1.PersistentVolumeClaim,
	source *introspect.SourceRecord,
) *batchv1.Job {
	hostPath := meta.HostPath(config.Current.HostPathPrefix, guid)

	podSpec := corev1.PodSpec{
		RestartPolicy: restartPolicyNever,
		NodeName:      source.PrimaryNode,
		SecurityContext: &corev1.PodSecurityContext{
			FSGroup: ptr.To(int64(meta.PostgresFsGroup)),
		},
		InitContainers: []corev1.Container{
			buildChownInitContainer(),
		},
		Containers: []corev1.Container{
			buildBackupContainer(guid, source),
		},
		Volumes: []corev1.Volume{
			{
				Name: "source",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: source.SourceClaimName,
						ReadOnly:  true,
					},
				},
			},
			{
				Name: "dest",
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{
						Path: hostPath,
						Type: ptr.To(corev1.HostPathDirectoryOrCreate),
					},
				},
			},
			{
				Name: "replication-tls",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  source.ReplicationSecret,
						DefaultMode: ptr.To(int32(0o640)),
					},
				},
			},
			{
				Name: "ca",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  source.CASecret,
						DefaultMode: ptr.To(int32(0o640)),
					},
				},
			},
		},
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        meta.BackupJobName(guid),
			Namespace:   source.SourceNamespace,
			Labels:      managedByLabels(),
			Annotations: backupJobAnnotations(guid, claim, source),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: backoffLimitZero,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: managedByLabels(),
				},
				Spec: podSpec,
			},
		},
	}
}

func backupJobAnnotations(
	guid string,
	claim *corev1.PersistentVolumeClaim,
	source *introspect.SourceRecord,
) map[string]string {
	return map[string]string{
		meta.AnnotationBackupJobGUID:   guid,
		meta.AnnotationSourceCluster:   source.ClusterID,
		meta.AnnotationSourceNamespace: source.SourceNamespace,
		meta.AnnotationSourceClaim:     source.SourceClaimName,
		meta.AnnotationClaimNamespace:  claim.Namespace,
		meta.AnnotationClaimName:       claim.Name,
	}
}

func managedByLabels() map[string]string {
	return map[string]string{
		meta.ManagedByLabelName: meta.ManagedByLabelValue,
	}
}

func buildChownInitContainer() corev1.Container {
	return corev1.Container{
		Name:    "fix-permissions",
		Image:   "busybox",
		Command: []string{"sh", "-c", "mkdir -p /dest && chown -R 26:26 /dest"},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser:  ptr.To(int64(0)),
			RunAsGroup: ptr.To(int64(0)),
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "dest", MountPath: backupprotocol.DestMountPath},
		},
	}
}

func buildBackupContainer(guid string, source *introspect.SourceRecord) corev1.Container {
	return corev1.Container{
		Name:    "backup",
		Image:   source.DatabaseImage,
		Command: []string{"sh", "-c", backupprotocol.BuildScript(guid)},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser:  ptr.To(int64(meta.PostgresFsGroup)),
			RunAsGroup: ptr.To(int64(meta.PostgresFsGroup)),
		},
		Env: []corev1.EnvVar{
			{Name: "PGHOST", Value: source.PrimaryPodIP},
			{Name: "PGUSER", Value: introspect.StreamingReplicationUser},
			{Name: "PGDATABASE", Value: backupprotocol.ConnectDatabase},
			{Name: "BACKUP_LABEL", Value: guid},
			{Name: "PGSSLMODE", Value: "verify-ca"},
			{Name: "PGSSLCERT", Value: replicationTLSMountPath + "/tls.crt"},
			{Name: "PGSSLKEY", Value: replicationTLSMountPath + "/tls.key"},
			{Name: "PGSSLROOTCERT", Value: caMountPath + "/ca.crt"},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "source", MountPath: backupprotocol.SourceMountPath, ReadOnly: true},
			{Name: "dest", MountPath: backupprotocol.DestMountPath},
			{Name: "replication-tls", MountPath: replicationTLSMountPath, ReadOnly: true},
			{Name: "ca", MountPath: caMountPath, ReadOnly: true},
		},
	}
}
