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
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/insiderscore/pg-reflinker/internal/guid"
	"github.com/insiderscore/pg-reflinker/internal/introspect"
	"github.com/insiderscore/pg-reflinker/internal/meta"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func strPtr(s string) *string { return &s }

var _ = Describe("PersistentVolumeClaimReconciler", func() {
	var (
		ctx         context.Context
		storageCls  *storagev1.StorageClass
		cluster     *unstructured.Unstructured
		sourceClaim *corev1.PersistentVolumeClaim
		sourcePod   *corev1.Pod
		claim       *corev1.PersistentVolumeClaim
		claimUID    types.UID
	)

	BeforeEach(func() {
		ctx = context.Background()
		claimUID = types.UID("11111111-1111-1111-1111-111111111111")

		// Resolve's live primary-role probe needs a real PostgreSQL to
		// dial; these specs exercise the reconciler against a fake
		// client, so stub it the same way introspect's own tests do.
		restore := introspect.StubVerifyPrimaryRoleForTesting(
			func(context.Context, ctrlclient.Client, string, *corev1.Pod, string, string) error {
				return nil
			})
		DeferCleanup(restore)

		storageCls = &storagev1.StorageClass{
			ObjectMeta:  metav1.ObjectMeta{Name: "pg-reflinker"},
			Provisioner: meta.ProvisionerName,
		}

		cluster = &unstructured.Unstructured{}
		cluster.SetGroupVersionKind(clusterGVK)
		cluster.SetName("pg-main")
		cluster.SetNamespace("db")
		Expect(unstructured.SetNestedField(cluster.Object, "ghcr.io/cloudnative-pg/postgresql:16.2", "spec", "imageName")).To(Succeed())

		sourceClaim = &corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "pg-main-1",
				Namespace: "db",
				OwnerReferences: []metav1.OwnerReference{
					{APIVersion: "postgresql.cnpg.io/v1", Kind: "Cluster", Name: "pg-main", UID: "abc"},
				},
			},
			Spec:   corev1.PersistentVolumeClaimSpec{VolumeName: "pvc-1"},
			Status: corev1.PersistentVolumeClaimStatus{Phase: corev1.ClaimBound},
		}

		sourcePod = &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "pg-main-1",
				Namespace: "db",
				Labels: map[string]string{
					"cnpg.io/cluster":      "pg-main",
					"cnpg.io/instanceRole": "primary",
				},
			},
			Spec:   corev1.PodSpec{NodeName: "node-a"},
			Status: corev1.PodStatus{PodIP: "10.0.0.5"},
		}

		claim = &corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "snap-1", Namespace: "db", UID: claimUID},
			Spec: corev1.PersistentVolumeClaimSpec{
				StorageClassName: strPtr("pg-reflinker"),
				DataSource: &corev1.TypedLocalObjectReference{
					Kind: "PersistentVolumeClaim",
					Name: "pg-main-1",
				},
			},
		}
	})

	reconcile := func(cli ctrlclient.Client) (ctrl.Result, error) {
		r := &PersistentVolumeClaimReconciler{
			Client:   cli,
			Recorder: record.NewFakeRecorder(10),
		}
		return r.Reconcile(ctx, ctrl.Request{NamespacedName: ctrlclient.ObjectKeyFromObject(claim)})
	}

	It("does nothing for a claim whose storage class isn't ours", func() {
		otherClass := &storagev1.StorageClass{
			ObjectMeta:  metav1.ObjectMeta{Name: "other"},
			Provisioner: "kubernetes.io/other",
		}
		claim.Spec.StorageClassName = strPtr("other")
		cli := newFakeClient(otherClass, claim)

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var jobs batchv1.JobList
		Expect(cli.List(ctx, &jobs)).To(Succeed())
		Expect(jobs.Items).To(BeEmpty())
	})

	It("skips a claim whose BackupJob already exists", func() {
		requestGUID := guid.Derive(claimUID)
		existingJob := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{
			Name:      meta.BackupJobName(requestGUID),
			Namespace: "db",
			Labels:    map[string]string{meta.ManagedByLabelName: meta.ManagedByLabelValue},
		}}
		cli := newFakeClient(storageCls, claim, sourceClaim, sourcePod, existingJob)
		Expect(cli.Create(ctx, cluster)).To(Succeed())

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var pvs corev1.PersistentVolumeList
		Expect(cli.List(ctx, &pvs)).To(Succeed())
		Expect(pvs.Items).To(BeEmpty(), "a started request must not be restarted")
	})

	It("skips a claim whose SnapshotVolume is already bound, even after the job was reaped", func() {
		requestGUID := guid.Derive(claimUID)
		boundPV := &corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: meta.VolumeName(requestGUID)},
			Spec:       corev1.PersistentVolumeSpec{StorageClassName: "pg-reflinker"},
		}
		cli := newFakeClient(storageCls, claim, sourceClaim, sourcePod, boundPV)
		Expect(cli.Create(ctx, cluster)).To(Succeed())

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var jobs batchv1.JobList
		Expect(cli.List(ctx, &jobs)).To(Succeed())
		Expect(jobs.Items).To(BeEmpty())
	})

	It("re-creates the missing BackupJob when an unbound SnapshotVolume was left behind", func() {
		requestGUID := guid.Derive(claimUID)
		orphanPV := &corev1.PersistentVolume{ObjectMeta: metav1.ObjectMeta{Name: meta.VolumeName(requestGUID)}}
		cli := newFakeClient(storageCls, claim, sourceClaim, sourcePod, orphanPV)
		Expect(cli.Create(ctx, cluster)).To(Succeed())

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var job batchv1.Job
		key := ctrlclient.ObjectKey{Namespace: "db", Name: meta.BackupJobName(requestGUID)}
		Expect(cli.Get(ctx, key, &job)).To(Succeed(),
			"a crash between the volume and job creates must heal on the next reconcile")
	})

	It("publishes a pre-bound SnapshotVolume and starts a BackupJob for a resolvable claim", func() {
		cli := newFakeClient(storageCls, claim, sourceClaim, sourcePod)
		Expect(cli.Create(ctx, cluster)).To(Succeed())

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		requestGUID := guid.Derive(claimUID)

		var pv corev1.PersistentVolume
		Expect(cli.Get(ctx, ctrlclient.ObjectKey{Name: meta.VolumeName(requestGUID)}, &pv)).To(Succeed())
		Expect(pv.Spec.StorageClassName).To(BeEmpty(), "late-binding: the published volume must carry no storage class yet")
		Expect(pv.Spec.ClaimRef.Name).To(Equal(claim.Name))

		var job batchv1.Job
		Expect(cli.Get(ctx, ctrlclient.ObjectKey{Namespace: claim.Namespace, Name: meta.BackupJobName(requestGUID)}, &job)).To(Succeed())
		Expect(job.Annotations[meta.AnnotationBackupJobGUID]).To(Equal(requestGUID))
	})

	It("is idempotent when the SnapshotVolume exists but the BackupJob creation races", func() {
		requestGUID := guid.Derive(claimUID)
		cli := newFakeClient(storageCls, claim, sourceClaim, sourcePod)
		Expect(cli.Create(ctx, cluster)).To(Succeed())

		_, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		_, err = reconcile(cli)
		Expect(err).NotTo(HaveOccurred())

		var jobs batchv1.JobList
		Expect(cli.List(ctx, &jobs, ctrlclient.InNamespace(claim.Namespace))).To(Succeed())
		Expect(jobs.Items).To(HaveLen(1))
		Expect(jobs.Items[0].Name).To(Equal(meta.BackupJobName(requestGUID)))
	})

	It("requeues after a transient resolution failure instead of failing the reconcile", func() {
		cli := newFakeClient(storageCls, claim, sourceClaim)
		Expect(cli.Create(ctx, cluster)).To(Succeed())

		result, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RequeueAfter).To(BeNumerically(">", 0))
	})

	It("does not requeue a permanent resolution failure", func() {
		claim.Spec.DataSource = nil
		cli := newFakeClient(storageCls, claim)

		result, err := reconcile(cli)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RequeueAfter).To(BeZero())
	})
})
