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

// Package meta holds the names and constants that make up the stable
// interface between the controller and the orchestrator: the provisioner
// name, the managed-by label, and the annotation keys that carry the
// persistent state of a SnapshotVolume.
package meta

import "path/filepath"

// ProvisionerName is the only storage-class provisioner this controller
// reacts to. Claims bound to any other provisioner are ignored.
const ProvisionerName = "k8s.insiderscore.com/pg-reflinker"

// ManagedByLabelName and ManagedByLabelValue mark every object this
// controller creates, the way CloudNativePG marks its own resources.
const (
	ManagedByLabelName  = "app.kubernetes.io/managed-by"
	ManagedByLabelValue = "pg-reflinker"
)

// Annotation keys that constitute the persistent, authoritative record
// carried on a SnapshotVolume. The controller itself holds no state that
// survives a restart; everything it needs to clean up later lives here.
const (
	AnnotationSourceCluster     = "pg-reflinker/source-cluster"
	AnnotationSourceNamespace   = "pg-reflinker/source-namespace"
	AnnotationSourceClaim       = "pg-reflinker/source-pvc"
	AnnotationSourceBackupLabel = "pg-reflinker/source-backup-label"
	AnnotationClaimNamespace    = "pg-reflinker/claim-namespace"
	AnnotationClaimName         = "pg-reflinker/claim-name"
	AnnotationStorageClass      = "pg-reflinker/storage-class"
	AnnotationNode              = "pg-reflinker/node"
)

// AnnotationBackupJobGUID is carried by a BackupJob so the job and volume
// controllers can recover the guid without re-deriving it from a name.
const AnnotationBackupJobGUID = "pg-reflinker/pv-guid"

// CleanupFinalizer is set on every SnapshotVolume this controller
// publishes, so that a delete is observed (DeletionTimestamp set) before
// the object is actually removed, giving the Cleanup Coordinator a chance
// to run.
const CleanupFinalizer = "pg-reflinker.insiderscore.com/cleanup"

// DefaultHostPathPrefix is used when HOSTPATH_PREFIX is not set.
const DefaultHostPathPrefix = "/var/lib/pg-reflinker"

// DefaultFallbackNamespace is used for a cleanup Job when the
// source-namespace annotation is missing from a SnapshotVolume.
const DefaultFallbackNamespace = "default"

// PostgresFsGroup is the conventional uid/gid PostgreSQL runs under.
const PostgresFsGroup = 26

// VolumeName returns the name of the SnapshotVolume for a given guid.
func VolumeName(guid string) string { return "pvc-" + guid }

// BackupJobName returns the name of the BackupJob for a given guid.
func BackupJobName(guid string) string { return "backup-job-" + guid }

// CleanupJobName returns the name of the cleanup Job for a given guid.
func CleanupJobName(guid string) string { return "cleanup-job-" + guid }

// HostPath returns the on-host directory for a given guid, rooted at
// prefix (normally config.Current.HostPathPrefix).
func HostPath(prefix, guid string) string {
	return filepath.Join(prefix, guid)
}

// ReplicationSecretName and CASecretName are the conventional per-cluster
// secret names issued by the PostgreSQL operator.
func ReplicationSecretName(clusterName string) string { return clusterName + "-replication" }
func CASecretName(clusterName string) string          { return clusterName + "-ca" }
