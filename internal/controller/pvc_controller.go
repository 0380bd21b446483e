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

// Package controller implements the Snapshot-Provisioning State Machine:
// three cooperating reconcilers, one per watched resource kind, each
// deriving its next action from observable facts rather than from any
// in-memory state that would not survive a restart.
package controller

import (
	"context"
	"errors"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cloudnative-pg/machinery/pkg/log"

	"github.com/insiderscore/pg-reflinker/internal/classify"
	"github.com/insiderscore/pg-reflinker/internal/config"
	"github.com/insiderscore/pg-reflinker/internal/guid"
	"github.com/insiderscore/pg-reflinker/internal/introspect"
	"github.com/insiderscore/pg-reflinker/internal/meta"
	"github.com/insiderscore/pg-reflinker/internal/metrics"
	"github.com/insiderscore/pg-reflinker/internal/specs"
)

// PersistentVolumeClaimReconciler drives the Pending/Resolving/Backing
// transitions: given a claim, it resolves the PostgreSQL source it wants a
// snapshot of and, if resolution succeeds, publishes the pre-bound
// SnapshotVolume and starts the BackupJob. Everything from Backing onward
// is owned by BackupJobReconciler and VolumeReconciler.
type PersistentVolumeClaimReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
}

// NewPersistentVolumeClaimReconciler builds a PersistentVolumeClaimReconciler from a manager.
func NewPersistentVolumeClaimReconciler(mgr ctrl.Manager) *PersistentVolumeClaimReconciler {
	return &PersistentVolumeClaimReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("pg-reflinker-pvc"),
	}
}

// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=persistentvolumes,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile implements the resolve-and-publish half of the state machine.
func (r *PersistentVolumeClaimReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	contextLogger := log.FromContext(ctx).WithValues("persistentvolumeclaim", req.NamespacedName)

	var claim corev1.PersistentVolumeClaim
	if err := r.Get(ctx, req.NamespacedName, &claim); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if !claim.DeletionTimestamp.IsZero() {
		// A claim deletion while Backing is in flight does not cancel the
		// job: the job either completes (the volume becomes eligible for
		// cleanup) or fails (the standard cleanup path runs).
		return ctrl.Result{}, nil
	}

	requestGUID := guid.Derive(claim.UID)

	alreadyStarted, err := r.requestAlreadyStarted(ctx, requestGUID)
	if err != nil {
		return ctrl.Result{}, err
	}
	if alreadyStarted {
		return ctrl.Result{}, nil
	}

	source, err := introspect.Resolve(ctx, r.Client, &claim, config.Current.CandidateNamespaces(claim.Namespace))
	if err != nil {
		return r.handleResolutionError(ctx, contextLogger, &claim, err)
	}

	reclaimPolicy, err := r.reclaimPolicyFor(ctx, &claim)
	if err != nil {
		return r.handleResolutionError(ctx, contextLogger, &claim, err)
	}

	pv := specs.BuildPreBoundVolume(requestGUID, &claim, source, reclaimPolicy)
	if err := r.Create(ctx, pv); err != nil && !apierrors.IsAlreadyExists(err) {
		return ctrl.Result{}, fmt.Errorf("creating SnapshotVolume %s: %w", pv.Name, err)
	}

	job := specs.BuildBackupJob(requestGUID, &claim, source)
	if err := r.Create(ctx, job); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("creating BackupJob %s: %w", job.Name, err)
	}

	metrics.BackupJobsCreated.Inc()
	r.Recorder.Eventf(&claim, "Normal", "BackupStarted", "Started snapshot backup job %s", job.Name)
	contextLogger.Info("Started snapshot backup", "job", job.Name, "volume", pv.Name)

	return ctrl.Result{}, nil
}

// requestAlreadyStarted guards against creating a second BackupJob for a
// guid that already has one. The controller carries no in-memory state,
// so this is re-derived from the orchestrator on every reconcile. The
// BackupJob runs in the source namespace, which is only known after
// resolution, so the lookup goes through the managed-by label instead of
// a direct namespaced Get.
func (r *PersistentVolumeClaimReconciler) requestAlreadyStarted(ctx context.Context, requestGUID string) (bool, error) {
	var jobs batchv1.JobList
	if err := r.List(ctx, &jobs,
		client.MatchingLabels{meta.ManagedByLabelName: meta.ManagedByLabelValue}); err != nil {
		return false, err
	}
	for i := range jobs.Items {
		if jobs.Items[i].Name == meta.BackupJobName(requestGUID) {
			return true, nil
		}
	}

	var pv corev1.PersistentVolume
	err := r.Get(ctx, client.ObjectKey{Name: meta.VolumeName(requestGUID)}, &pv)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	// A SnapshotVolume with no BackupJob: either the job already finished
	// and was reaped (the volume is bound, nothing left to do) or a
	// previous reconcile crashed between the two creates. Only the bound
	// case is terminal; otherwise fall through and let the idempotent
	// creates below fill the gap.
	return pv.Spec.StorageClassName != "", nil
}

func (r *PersistentVolumeClaimReconciler) reclaimPolicyFor(ctx context.Context, claim *corev1.PersistentVolumeClaim) (corev1.PersistentVolumeReclaimPolicy, error) {
	className := ""
	if claim.Spec.StorageClassName != nil {
		className = *claim.Spec.StorageClassName
	}

	var class storagev1.StorageClass
	if err := r.Get(ctx, client.ObjectKey{Name: className}, &class); err != nil {
		return corev1.PersistentVolumeReclaimRetain, classify.TransientDefault(err)
	}
	if class.ReclaimPolicy != nil {
		return *class.ReclaimPolicy, nil
	}
	return corev1.PersistentVolumeReclaimRetain, nil
}

func (r *PersistentVolumeClaimReconciler) handleResolutionError(
	ctx context.Context,
	contextLogger log.Logger,
	claim *corev1.PersistentVolumeClaim,
	err error,
) (ctrl.Result, error) {
	if errors.Is(err, introspect.ErrNotOurs) {
		return ctrl.Result{}, nil
	}

	if classified, ok := classify.As(err); ok {
		if classified.Category == classify.CategoryTransient {
			metrics.SnapshotsResolved.WithLabelValues("transient").Inc()
			delay := classified.RequeueAfter
			if delay <= 0 {
				delay = classify.DefaultReadinessBackoff
			}
			r.Recorder.Eventf(claim, "Warning", "ResolutionPending", "%s, retrying in %s", err.Error(), delay)
			contextLogger.Info("Source not yet ready, requeuing", "error", err.Error(), "after", delay)
			return ctrl.Result{RequeueAfter: delay}, nil
		}
	}

	metrics.SnapshotsResolved.WithLabelValues("permanent").Inc()
	r.Recorder.Eventf(claim, "Warning", "ResolutionFailed", "%s", err.Error())
	contextLogger.Info("Permanent resolution failure, not retrying", "error", err.Error())
	return ctrl.Result{}, nil
}

// SetupWithManager registers this reconciler with the manager.
func (r *PersistentVolumeClaimReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.PersistentVolumeClaim{}).
		Complete(r)
}
