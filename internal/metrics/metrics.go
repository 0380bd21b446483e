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

// Package metrics declares the Prometheus collectors exported by this
// controller, registered against controller-runtime's global registry so
// they're served alongside the usual workqueue and client-go metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "pg_reflinker"

var (
	// SnapshotsResolved counts Cluster Introspector failures by result:
	// "permanent" or "transient". Successful resolutions are not counted.
	SnapshotsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_resolved_total",
			Help:      "Number of claim resolutions, by outcome.",
		},
		[]string{"result"},
	)

	// BackupJobsCreated counts BackupJob creations.
	BackupJobsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_jobs_created_total",
			Help:      "Number of BackupJobs created.",
		},
	)

	// BackupJobOutcomes counts terminal BackupJob observations by result:
	// "bound", "bind_failed" or "failed".
	BackupJobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_job_outcomes_total",
			Help:      "Number of BackupJob terminal observations, by outcome.",
		},
		[]string{"result"},
	)

	// CleanupOutcomes counts Cleanup Coordinator dispatches by result:
	// "scheduled", "retained" or "skipped".
	CleanupOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_outcomes_total",
			Help:      "Number of cleanup coordinator decisions, by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		SnapshotsResolved,
		BackupJobsCreated,
		BackupJobOutcomes,
		CleanupOutcomes,
	)
}
