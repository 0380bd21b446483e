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

	"github.com/cloudnative-pg/machinery/pkg/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/insiderscore/pg-reflinker/internal/cleanup"
	"github.com/insiderscore/pg-reflinker/internal/meta"
)

// VolumeReconciler drives the remaining state-machine sinks: it schedules
// the on-host directory cleanup once a SnapshotVolume is deleted, and
// deletes a Failed volume so the orchestrator can fail the claim.
type VolumeReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
}

// NewVolumeReconciler builds a VolumeReconciler from a manager.
func NewVolumeReconciler(mgr ctrl.Manager) *VolumeReconciler {
	return &VolumeReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("pg-reflinker-volume"),
	}
}

// +kubebuilder:rbac:groups="",resources=persistentvolumes,verbs=get;list;watch;update;patch;delete
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create

// Reconcile implements the cleanup-on-delete and fail-on-Failed halves of
// the state machine.
func (r *VolumeReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	contextLogger := log.FromContext(ctx).WithValues("persistentvolume", req.Name)

	var pv corev1.PersistentVolume
	if err := r.Get(ctx, req.NamespacedName, &pv); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if !pv.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, r.handleDeletion(ctx, contextLogger, &pv)
	}

	if pv.Status.Phase == corev1.VolumeFailed {
		if err := r.Delete(ctx, &pv); err != nil && !apierrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		contextLogger.Info("Removed SnapshotVolume in Failed phase")
		return ctrl.Result{}, nil
	}

	// Released with a Retain reclaim policy is a deliberate no-op: the
	// on-host directory and the PV object are left for an operator to
	// reclaim or remove by hand.
	return ctrl.Result{}, nil
}

func (r *VolumeReconciler) handleDeletion(ctx context.Context, contextLogger log.Logger, pv *corev1.PersistentVolume) error {
	if !controllerutil.ContainsFinalizer(pv, meta.CleanupFinalizer) {
		return nil
	}

	if err := cleanup.Coordinate(ctx, r.Client, pv); err != nil {
		return err
	}

	controllerutil.RemoveFinalizer(pv, meta.CleanupFinalizer)
	if err := r.Update(ctx, pv); err != nil {
		return err
	}

	contextLogger.Info("Removed cleanup finalizer")
	return nil
}

// SetupWithManager registers this reconciler with the manager, filtering
// the PersistentVolume watch to objects this controller created.
func (r *VolumeReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.PersistentVolume{}, builder.WithPredicates(managedByUs)).
		Complete(r)
}
