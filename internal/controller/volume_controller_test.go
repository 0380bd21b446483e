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

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/insiderscore/pg-reflinker/internal/meta"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("VolumeReconciler", func() {
	const requestGUID = "44444444-4444-4444-4444-444444444444"

	var (
		ctx context.Context
		pv  *corev1.PersistentVolume
	)

	BeforeEach(func() {
		ctx = context.Background()

		pv = &corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{
				Name:       meta.VolumeName(requestGUID),
				Finalizers: []string{meta.CleanupFinalizer},
				Annotations: map[string]string{
					meta.AnnotationSourceBackupLabel: requestGUID,
					meta.AnnotationNode:              "node-a",
					meta.AnnotationSourceNamespace:   "db",
				},
			},
			Spec: corev1.PersistentVolumeSpec{
				PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimDelete,
			},
		}
	})

	reconcile := func(cli ctrlclient.Client) (ctrl.Result, error) {
		r := &VolumeReconciler{
			Client:   cli,
			Recorder: record.NewFakeRecorder(10),
		}
		return r.Reconcile(ctx, ctrl.Request{NamespacedName: ctrlclient.ObjectKeyFromObject(pv)})
	}

	It("does nothing for a volume that no longer exists", func() {
		cli := newFakeClient()
		pv.Name = "missing"

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())
	})

	It("removes a Failed volume outright", func() {
		pv.Finalizers = nil
		pv.Status.Phase = corev1.VolumeFailed
		cli := newFakeClient(pv)

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var gone corev1.PersistentVolume
		err = cli.Get(ctx, ctrlclient.ObjectKeyFromObject(pv), &gone)
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("leaves a Bound, non-deleted volume alone", func() {
		pv.Status.Phase = corev1.VolumeBound
		cli := newFakeClient(pv)

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var untouched corev1.PersistentVolume
		Expect(cli.Get(ctx, ctrlclient.ObjectKeyFromObject(pv), &untouched)).To(Succeed())
	})

	Context("on deletion", func() {
		It("schedules a cleanup job and removes the finalizer", func() {
			cli := newFakeClient(pv)
			Expect(cli.Delete(ctx, pv)).To(Succeed())

			_, err := reconcile(cli)
			Expect(err).NotTo(HaveOccurred())

			var jobs batchv1.JobList
			Expect(cli.List(ctx, &jobs)).To(Succeed())
			Expect(jobs.Items).To(HaveLen(1))

			var gone corev1.PersistentVolume
			err = cli.Get(ctx, ctrlclient.ObjectKeyFromObject(pv), &gone)
			Expect(apierrors.IsNotFound(err)).To(BeTrue(), "removing the last finalizer should let the fake client finish the delete")
		})

		It("skips cleanup coordination for a volume without the finalizer", func() {
			pv.Finalizers = nil
			cli := newFakeClient(pv)
			Expect(cli.Delete(ctx, pv)).To(Succeed())

			_, err := reconcile(cli)
			Expect(err).NotTo(HaveOccurred())

			var jobs batchv1.JobList
			Expect(cli.List(ctx, &jobs)).To(Succeed())
			Expect(jobs.Items).To(BeEmpty())
		})

		It("leaves the on-host directory alone under a Retain policy", func() {
			pv.Spec.PersistentVolumeReclaimPolicy = corev1.PersistentVolumeReclaimRetain
			cli := newFakeClient(pv)
			Expect(cli.Delete(ctx, pv)).To(Succeed())

			_, err := reconcile(cli)
			Expect(err).NotTo(HaveOccurred())

			var jobs batchv1.JobList
			Expect(cli.List(ctx, &jobs)).To(Succeed())
			Expect(jobs.Items).To(BeEmpty())
		})
	})

	It("double-checks the finalizer helper agrees with controllerutil", func() {
		Expect(controllerutil.ContainsFinalizer(pv, meta.CleanupFinalizer)).To(BeTrue())
	})
})
