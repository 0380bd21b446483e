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
	"context"
	"fmt"

	"github.com/cloudnative-pg/machinery/pkg/log"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/insiderscore/pg-reflinker/internal/classify"
	"github.com/insiderscore/pg-reflinker/internal/cleanup"
	"github.com/insiderscore/pg-reflinker/internal/meta"
	"github.com/insiderscore/pg-reflinker/internal/metrics"
	"github.com/insiderscore/pg-reflinker/internal/specs"
)

// BackupJobReconciler drives the Backing -> Binding -> Bound transition
// and the Backing -> FailedPermanent sink: it watches this controller's
// BackupJobs and, on completion, binds the matching SnapshotVolume or
// tears it down.
type BackupJobReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
}

// NewBackupJobReconciler builds a BackupJobReconciler from a manager.
func NewBackupJobReconciler(mgr ctrl.Manager) *BackupJobReconciler {
	return &BackupJobReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("pg-reflinker-backupjob"),
	}
}

// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=persistentvolumes,verbs=get;list;watch;update;patch;delete
// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims,verbs=get;list;watch

// Reconcile implements the bind-on-success, delete-on-failure half of the
// state machine. It is level-triggered: it looks only at the job's current
// status, not at what changed since the last observation, since the
// actions it takes (binding, deleting) are themselves idempotent.
func (r *BackupJobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	contextLogger := log.FromContext(ctx).WithValues("backupjob", req.NamespacedName)

	var job batchv1.Job
	if err := r.Get(ctx, req.NamespacedName, &job); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	requestGUID := job.Annotations[meta.AnnotationBackupJobGUID]
	if requestGUID == "" {
		return ctrl.Result{}, nil
	}

	var pv corev1.PersistentVolume
	pvKey := client.ObjectKey{Name: meta.VolumeName(requestGUID)}
	if err := r.Get(ctx, pvKey, &pv); err != nil {
		if apierrors.IsNotFound(err) {
			// The volume is gone already: nothing left to bind or clean up.
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	switch {
	case job.Status.Succeeded > 0:
		return ctrl.Result{}, r.bindVolume(ctx, contextLogger, &pv)
	case jobFailed(&job):
		if err := cleanup.HandleBackupJobFailure(ctx, r.Client, &pv); err != nil {
			return ctrl.Result{}, err
		}
		claimName := pv.Annotations[meta.AnnotationClaimName]
		claimNamespace := pv.Annotations[meta.AnnotationClaimNamespace]
		claimRef := &corev1.ObjectReference{
			APIVersion: "v1", Kind: "PersistentVolumeClaim", Namespace: claimNamespace, Name: claimName,
		}
		r.Recorder.Eventf(claimRef, "Warning", "BackupFailed",
			"Snapshot backup job %s failed, removed volume %s", job.Name, pv.Name)
		contextLogger.Info("BackupJob failed, removed SnapshotVolume", "claim", claimNamespace+"/"+claimName)
		return ctrl.Result{}, nil
	default:
		// Still running.
		return ctrl.Result{}, nil
	}
}

func jobFailed(job *batchv1.Job) bool {
	if job.Status.Failed > 0 && job.Spec.BackoffLimit != nil && job.Status.Failed > *job.Spec.BackoffLimit {
		return true
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func (r *BackupJobReconciler) bindVolume(ctx context.Context, contextLogger log.Logger, pv *corev1.PersistentVolume) error {
	if pv.Spec.StorageClassName != "" {
		// Already bound: re-delivery of the same Succeeded event.
		return nil
	}

	claimNamespace := pv.Annotations[meta.AnnotationClaimNamespace]
	claimName := pv.Annotations[meta.AnnotationClaimName]

	var claim corev1.PersistentVolumeClaim
	claimKey := client.ObjectKey{Namespace: claimNamespace, Name: claimName}
	if err := r.Get(ctx, claimKey, &claim); err != nil {
		if apierrors.IsNotFound(err) {
			// The claim vanished while the backup ran. Abort the bind and
			// delete the SnapshotVolume; the delete path reclaims the
			// directory per the volume's reclaim policy.
			if delErr := r.Delete(ctx, pv); delErr != nil && !apierrors.IsNotFound(delErr) {
				return delErr
			}
			contextLogger.Info("Claim deleted during backup, removed SnapshotVolume", "claim", claimKey.String())
			return nil
		}
		return fmt.Errorf("fetching claim %s for volume %s: %w", claimKey, pv.Name, err)
	}

	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		var latest corev1.PersistentVolume
		if err := r.Get(ctx, client.ObjectKeyFromObject(pv), &latest); err != nil {
			return err
		}
		if err := specs.BindVolume(&latest, &claim); err != nil {
			return err
		}
		return r.Update(ctx, &latest)
	})
	if err != nil {
		metrics.BackupJobOutcomes.WithLabelValues("bind_failed").Inc()
		if classify.IsPermanent(err) {
			r.Recorder.Eventf(&claim, "Warning", "BindFailed", "%s", err.Error())
			contextLogger.Info("Permanent bind failure, not retrying", "error", err.Error())
			return nil
		}
		return fmt.Errorf("binding volume %s: %w", pv.Name, err)
	}

	metrics.BackupJobOutcomes.WithLabelValues("bound").Inc()
	r.Recorder.Eventf(&claim, "Normal", "SnapshotBound", "Snapshot volume %s is ready to bind", pv.Name)
	contextLogger.Info("Bound SnapshotVolume", "claim", claimKey.String())
	return nil
}

// SetupWithManager registers this reconciler with the manager, filtering
// the Job watch to objects this controller created.
func (r *BackupJobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&batchv1.Job{}, builder.WithPredicates(managedByUs)).
		Complete(r)
}
