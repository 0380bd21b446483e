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
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/insiderscore/pg-reflinker/internal/meta"
)

// managedByUs matches Create/Update/Delete/Generic events for objects
// carrying this controller's managed-by label, so the Job and
// PersistentVolume watches don't wake the reconciler for unrelated cluster
// traffic.
var managedByUs = predicate.Funcs{
	CreateFunc: func(e event.CreateEvent) bool {
		return hasManagedByLabel(e.Object)
	},
	UpdateFunc: func(e event.UpdateEvent) bool {
		return hasManagedByLabel(e.ObjectNew)
	},
	DeleteFunc: func(e event.DeleteEvent) bool {
		return hasManagedByLabel(e.Object)
	},
	GenericFunc: func(e event.GenericEvent) bool {
		return hasManagedByLabel(e.Object)
	},
}

func hasManagedByLabel(obj client.Object) bool {
	return obj.GetLabels()[meta.ManagedByLabelName] == meta.ManagedByLabelValue
}
