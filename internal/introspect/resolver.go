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

// Package introspect implements the Cluster Introspector: turning a claim
// requesting a point-in-time snapshot into a fully resolved source
// record, or a classified failure telling the caller whether and when to
// retry.
package introspect

import (
	"context"
	"fmt"

	"github.com/thoas/go-funk"
	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/insiderscore/pg-reflinker/internal/classify"
	"github.com/insiderscore/pg-reflinker/internal/meta"
)

// ErrNotOurs is returned by Resolve when a claim's storage class is not
// provisioned by this controller. Callers should ignore the claim silently
// rather than treat this as a failure.
var ErrNotOurs = fmt.Errorf("storage class not provisioned by %s", meta.ProvisionerName)

// SourceRecord is the fully resolved view of the PostgreSQL cluster a claim
// wants a snapshot of.
type SourceRecord struct {
	ClusterID          string
	SourceNamespace    string
	SourceClaimName    string
	PrimaryPodIP       string
	PrimaryNode        string
	DatabaseImage      string
	ReplicationSecret  string
	CASecret           string
	SourceNodeAffinity *corev1.VolumeNodeAffinity
}

// Resolve turns a claim into a fully resolved source record, or a
// classified failure.
func Resolve(ctx context.Context, cli ctrlclient.Client, claim *corev1.PersistentVolumeClaim, candidateNamespaces []string) (*SourceRecord, error) {
	if err := checkProvisioner(ctx, cli, claim); err != nil {
		return nil, err
	}

	sourceName, requestedNamespace, err := dataSourceName(claim)
	if err != nil {
		return nil, err
	}

	sourceClaim, sourceNamespace, err := resolveSourceClaim(ctx, cli, sourceName, requestedNamespace, claim.Namespace, candidateNamespaces)
	if err != nil {
		return nil, err
	}

	if sourceClaim.Status.Phase != corev1.ClaimBound {
		return nil, classify.TransientDefault(fmt.Errorf("source claim %s/%s is in phase %q, not Bound",
			sourceNamespace, sourceName, sourceClaim.Status.Phase))
	}

	clusterName, err := ownerClusterRef(sourceClaim.OwnerReferences)
	if err != nil {
		return nil, classify.Permanent(fmt.Errorf("source claim %s/%s: %w", sourceNamespace, sourceName, err))
	}

	cluster, err := getCluster(ctx, cli, sourceNamespace, clusterName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, classify.Permanentf("cluster %s/%s not found", sourceNamespace, clusterName)
		}
		return nil, classify.TransientDefault(fmt.Errorf("reading cluster %s/%s: %w", sourceNamespace, clusterName, err))
	}

	pod, err := selectPrimaryCandidate(ctx, cli, sourceNamespace, clusterName)
	if err != nil {
		return nil, err
	}

	replicationSecret := meta.ReplicationSecretName(clusterName)
	caSecret := meta.CASecretName(clusterName)
	if err := verifyPrimaryRoleFunc(ctx, cli, sourceNamespace, pod, replicationSecret, caSecret); err != nil {
		return nil, err
	}

	affinity, err := sourceNodeAffinity(ctx, cli, sourceClaim)
	if err != nil {
		// Node affinity reuse is optional: a failure here never blocks
		// resolution.
		affinity = nil
	}

	return &SourceRecord{
		ClusterID:          clusterName,
		SourceNamespace:    sourceNamespace,
		SourceClaimName:    sourceName,
		PrimaryPodIP:       pod.Status.PodIP,
		PrimaryNode:        pod.Spec.NodeName,
		DatabaseImage:      clusterImageName(cluster),
		ReplicationSecret:  replicationSecret,
		CASecret:           caSecret,
		SourceNodeAffinity: affinity,
	}, nil
}

// checkProvisioner rejects claims whose storage class isn't ours.
func checkProvisioner(ctx context.Context, cli ctrlclient.Client, claim *corev1.PersistentVolumeClaim) error {
	className := ""
	if claim.Spec.StorageClassName != nil {
		className = *claim.Spec.StorageClassName
	}
	if className == "" {
		return ErrNotOurs
	}

	class := &storagev1.StorageClass{}
	if err := cli.Get(ctx, ctrlclient.ObjectKey{Name: className}, class); err != nil {
		if apierrors.IsNotFound(err) {
			return classify.Permanentf("storage class %q not found", className)
		}
		return classify.TransientDefault(fmt.Errorf("reading storage class %q: %w", className, err))
	}

	if class.Provisioner != meta.ProvisionerName {
		return ErrNotOurs
	}
	return nil
}

// dataSourceName extracts the source claim name and, if given, its
// namespace from the claim's data-source reference. dataSourceRef wins
// over dataSource when both are present: a cross-namespace source can
// only be expressed through dataSourceRef, which the API server never
// mirrors back into dataSource.
func dataSourceName(claim *corev1.PersistentVolumeClaim) (name, namespace string, err error) {
	if ref := claim.Spec.DataSourceRef; ref != nil {
		if ref.Kind != "PersistentVolumeClaim" || ref.Name == "" {
			return "", "", classify.Permanentf(
				"claim %s/%s: dataSourceRef must name a PersistentVolumeClaim",
				claim.Namespace, claim.Name)
		}
		if ref.Namespace != nil {
			namespace = *ref.Namespace
		}
		return ref.Name, namespace, nil
	}

	ds := claim.Spec.DataSource
	if ds == nil || ds.Kind != "PersistentVolumeClaim" || ds.Name == "" {
		return "", "", classify.Permanentf(
			"claim %s/%s: missing or invalid data source, expected kind PersistentVolumeClaim",
			claim.Namespace, claim.Name)
	}
	return ds.Name, "", nil
}

// resolveSourceClaim locates the source claim, searching candidateNamespaces
// in order when the data-source reference didn't name one.
func resolveSourceClaim(
	ctx context.Context,
	cli ctrlclient.Client,
	sourceName, requestedNamespace, claimNamespace string,
	candidateNamespaces []string,
) (*corev1.PersistentVolumeClaim, string, error) {
	if requestedNamespace != "" {
		claim := &corev1.PersistentVolumeClaim{}
		key := ctrlclient.ObjectKey{Namespace: requestedNamespace, Name: sourceName}
		if err := cli.Get(ctx, key, claim); err != nil {
			if apierrors.IsNotFound(err) {
				return nil, "", classify.Permanentf("source claim %s/%s not found", requestedNamespace, sourceName)
			}
			return nil, "", classify.TransientDefault(err)
		}
		return claim, requestedNamespace, nil
	}

	searchOrder := candidateNamespaces
	if len(searchOrder) == 0 {
		searchOrder = []string{claimNamespace}
	}

	for _, namespace := range searchOrder {
		claim := &corev1.PersistentVolumeClaim{}
		key := ctrlclient.ObjectKey{Namespace: namespace, Name: sourceName}
		err := cli.Get(ctx, key, claim)
		if err == nil {
			return claim, namespace, nil
		}
		if !apierrors.IsNotFound(err) {
			return nil, "", classify.TransientDefault(err)
		}
	}

	return nil, "", classify.Permanentf("source claim %q not found in any of %v", sourceName, searchOrder)
}

// selectPrimaryCandidate prefers the Pod belonging to the cluster that is
// currently labeled primary, over plain first-match selection across
// every member Pod. A cluster mid-switchover can briefly carry two such
// pods, which is transient, not a permanent resolution failure. If none
// carries the label at all (a fleeting moment before the upstream
// operator relabels after a switchover, or an operator that simply
// doesn't stamp this particular label), selection falls back to the
// first pod in list order, so a cluster lacking the label never gets
// stuck retrying forever against a condition that will never clear.
func selectPrimaryCandidate(ctx context.Context, cli ctrlclient.Client, namespace, clusterName string) (*corev1.Pod, error) {
	var pods corev1.PodList
	if err := cli.List(ctx, &pods,
		ctrlclient.InNamespace(namespace),
		ctrlclient.MatchingLabelsSelector{Selector: clusterInstancePodSelector(clusterName)},
	); err != nil {
		return nil, classify.TransientDefault(fmt.Errorf("listing pods for cluster %s/%s: %w", namespace, clusterName, err))
	}

	if len(pods.Items) == 0 {
		return nil, classify.TransientDefault(fmt.Errorf("no pods found for cluster %s/%s", namespace, clusterName))
	}

	primaries, ok := funk.Filter(pods.Items, func(pod corev1.Pod) bool {
		return pod.Labels[instanceRoleLabel] == instanceRolePrimary
	}).([]corev1.Pod)

	switch {
	case ok && len(primaries) == 1:
		return &primaries[0], nil
	case ok && len(primaries) > 1:
		return nil, classify.TransientDefault(fmt.Errorf(
			"%d pods for cluster %s/%s are labeled primary, expected at most one", len(primaries), namespace, clusterName))
	default:
		return &pods.Items[0], nil
	}
}

// sourceNodeAffinity reads the PersistentVolume bound to the source claim
// to copy its node affinity.
func sourceNodeAffinity(ctx context.Context, cli ctrlclient.Client, sourceClaim *corev1.PersistentVolumeClaim) (*corev1.VolumeNodeAffinity, error) {
	if sourceClaim.Spec.VolumeName == "" {
		return nil, fmt.Errorf("source claim has no bound volume")
	}

	pv := &corev1.PersistentVolume{}
	if err := cli.Get(ctx, ctrlclient.ObjectKey{Name: sourceClaim.Spec.VolumeName}, pv); err != nil {
		return nil, err
	}

	return pv.Spec.NodeAffinity, nil
}
