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

// Package snapshots implements the "snapshots list" operator command: a
// read-only view of every SnapshotVolume this controller manages, handy
// for a human checking on a stuck ProvisioningRequest without reaching
// for kubectl get pv -o yaml.
package snapshots

import (
	"context"
	"fmt"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/insiderscore/pg-reflinker/internal/meta"
)

// NewCmd creates the "snapshots" command group.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect SnapshotVolumes managed by pg-reflinker",
	}
	cmd.AddCommand(newListCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every SnapshotVolume managed by this controller, with its binding status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := buildClient()
			if err != nil {
				return fmt.Errorf("building Kubernetes client: %w", err)
			}
			return list(cmd.Context(), cli)
		},
	}
}

func buildClient() (ctrlclient.Client, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, err
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}

	return ctrlclient.New(restConfig, ctrlclient.Options{Scheme: scheme})
}

func list(ctx context.Context, cli ctrlclient.Client) error {
	var volumes corev1.PersistentVolumeList
	selector := labels.SelectorFromSet(labels.Set{meta.ManagedByLabelName: meta.ManagedByLabelValue})
	if err := cli.List(ctx, &volumes, ctrlclient.MatchingLabelsSelector{Selector: selector}); err != nil {
		return fmt.Errorf("listing SnapshotVolumes: %w", err)
	}

	if len(volumes.Items) == 0 {
		fmt.Println("No SnapshotVolumes found")
		return nil
	}

	table := tabby.New()
	table.AddHeader("NAME", "CLAIM", "SOURCE CLUSTER", "NODE", "PHASE", "LATE-BOUND")
	for _, pv := range volumes.Items {
		table.AddLine(
			pv.Name,
			pv.Annotations[meta.AnnotationClaimNamespace]+"/"+pv.Annotations[meta.AnnotationClaimName],
			pv.Annotations[meta.AnnotationSourceCluster],
			pv.Annotations[meta.AnnotationNode],
			colorizePhase(pv.Status.Phase),
			lateBoundMarker(pv.Spec.StorageClassName),
		)
	}
	table.Print()
	return nil
}

// colorizePhase colors a volume's phase: green for healthy terminal
// states, yellow while materializing, red for failure.
func colorizePhase(phase corev1.PersistentVolumePhase) fmt.Stringer {
	switch phase {
	case corev1.VolumeBound, corev1.VolumeReleased:
		return aurora.Green(phase)
	case corev1.VolumeFailed:
		return aurora.Red(phase)
	default:
		return aurora.Yellow(phase)
	}
}

// lateBoundMarker reports whether the volume has cleared the late-binding
// gate: a storage-class name means its BackupJob already succeeded.
func lateBoundMarker(storageClass string) fmt.Stringer {
	if storageClass == "" {
		return aurora.Yellow("waiting on backup")
	}
	return aurora.Green(storageClass)
}
