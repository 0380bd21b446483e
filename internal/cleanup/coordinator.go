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

// Package cleanup implements the Cleanup Coordinator: what happens to the
// on-host directory once its SnapshotVolume is deleted, and what happens
// to a SnapshotVolume once its BackupJob fails.
package cleanup

import (
	"context"

	"github.com/cloudnative-pg/machinery/pkg/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/insiderscore/pg-reflinker/internal/meta"
	"github.com/insiderscore/pg-reflinker/internal/metrics"
	"github.com/insiderscore/pg-reflinker/internal/specs"
)

// Coordinate handles a SnapshotVolume deletion. It reads the guid, node
// and source-namespace annotations off pv, and
// either creates a cleanup Job (reclaim policy Delete) or does nothing
// (Retain). A missing guid or node annotation is logged and skipped:
// nothing safe can be done without them. A missing source-namespace
// annotation is not skipped; the cleanup Job then runs in
// meta.DefaultFallbackNamespace.
func Coordinate(ctx context.Context, cli ctrlclient.Client, pv *corev1.PersistentVolume) error {
	logger := log.FromContext(ctx).WithValues("volume", pv.Name)

	guid := pv.Annotations[meta.AnnotationSourceBackupLabel]
	node := pv.Annotations[meta.AnnotationNode]
	if guid == "" || node == "" {
		logger.Info("Skipping cleanup: required annotations are missing")
		metrics.CleanupOutcomes.WithLabelValues("skipped").Inc()
		return nil
	}

	if pv.Spec.PersistentVolumeReclaimPolicy == corev1.PersistentVolumeReclaimRetain {
		logger.Info("Reclaim policy is Retain, leaving the on-host directory in place")
		metrics.CleanupOutcomes.WithLabelValues("retained").Inc()
		return nil
	}

	namespace := pv.Annotations[meta.AnnotationSourceNamespace]
	job := specs.BuildCleanupJob(guid, node, namespace)

	if err := cli.Create(ctx, job); err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}

	logger.Info("Scheduled cleanup job", "node", node, "job", job.Name)
	metrics.CleanupOutcomes.WithLabelValues("scheduled").Inc()
	return nil
}

// HandleBackupJobFailure deletes the SnapshotVolume after a BackupJob
// failure, treating a 404 as success. The failed BackupJob itself is left
// in place, so the claim's request stays started and is not retried.
func HandleBackupJobFailure(ctx context.Context, cli ctrlclient.Client, pv *corev1.PersistentVolume) error {
	logger := log.FromContext(ctx).WithValues("volume", pv.Name)

	if err := cli.Delete(ctx, pv); err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	logger.Info("Deleted SnapshotVolume after BackupJob failure")
	metrics.BackupJobOutcomes.WithLabelValues("failed").Inc()
	return nil
}
