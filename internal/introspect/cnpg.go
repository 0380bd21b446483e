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

package introspect

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// clusterGroup is the API group owning the foreign Cluster resource this
// controller reads, never writes. We deliberately don't vendor the
// upstream operator's type package: an unstructured read is enough to
// extract the handful of fields this system needs, and keeps this module
// buildable against any CNPG minor version.
const clusterGroup = "postgresql.cnpg.io"

// clusterGVK is the GroupVersionKind of the foreign Cluster object.
var clusterGVK = schema.GroupVersionKind{
	Group:   clusterGroup,
	Version: "v1",
	Kind:    "Cluster",
}

// defaultPostgresImage is used when a Cluster's spec.imageName is unset,
// mirroring the upstream operator's own fallback when it builds Pod specs.
const defaultPostgresImage = "ghcr.io/cloudnative-pg/postgresql:16"

// getCluster fetches the foreign Cluster object backing a source claim, as
// an unstructured.Unstructured. A not-found or version-mismatch error is
// surfaced to the caller, which classifies it.
func getCluster(ctx context.Context, cli ctrlclient.Client, namespace, name string) (*unstructured.Unstructured, error) {
	cluster := &unstructured.Unstructured{}
	cluster.SetGroupVersionKind(clusterGVK)
	key := ctrlclient.ObjectKey{Namespace: namespace, Name: name}
	if err := cli.Get(ctx, key, cluster); err != nil {
		return nil, err
	}
	return cluster, nil
}

// clusterImageName reads spec.imageName off an unstructured Cluster,
// falling back to defaultPostgresImage when unset.
func clusterImageName(cluster *unstructured.Unstructured) string {
	image, found, err := unstructured.NestedString(cluster.Object, "spec", "imageName")
	if err != nil || !found || image == "" {
		return defaultPostgresImage
	}
	return image
}

// clusterInstancePodSelector returns the label selector matching every Pod
// belonging to a Cluster instance, the same labels the upstream operator
// stamps on its instance Pods.
func clusterInstancePodSelector(clusterName string) labels.Selector {
	return labels.SelectorFromSet(labels.Set{
		"cnpg.io/cluster": clusterName,
	})
}

// instanceRoleLabel and instanceRolePrimary are the label the upstream
// operator stamps on its current primary Pod (api/v1/resources/labels.go's
// ClusterInstanceRoleLabelName).
const (
	instanceRoleLabel   = "cnpg.io/instanceRole"
	instanceRolePrimary = "primary"
)

// ownerClusterRef finds the single OwnerReference of Kind Cluster in the
// postgresql.cnpg.io group on a claim, returning its name. Exactly one such
// owner is required; anything else means the claim isn't instance storage
// belonging to a Cluster this system can safely snapshot.
func ownerClusterRef(owners []metav1.OwnerReference) (name string, err error) {
	var matches []metav1.OwnerReference
	for _, owner := range owners {
		if owner.Kind == "Cluster" && apiVersionGroup(owner.APIVersion) == clusterGroup {
			matches = append(matches, owner)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0].Name, nil
	case 0:
		return "", fmt.Errorf("no owner reference of kind Cluster in group %s", clusterGroup)
	default:
		return "", fmt.Errorf("%d owner references of kind Cluster in group %s, expected exactly one", len(matches), clusterGroup)
	}
}

func apiVersionGroup(apiVersion string) string {
	for i := 0; i < len(apiVersion); i++ {
		if apiVersion[i] == '/' {
			return apiVersion[:i]
		}
	}
	return apiVersion
}
