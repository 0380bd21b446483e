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

// Package controller implements the command used to start the
// Snapshot-Provisioning State Machine as a controller-runtime manager.
package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cloudnative-pg/machinery/pkg/log"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/insiderscore/pg-reflinker/internal/config"
	"github.com/insiderscore/pg-reflinker/internal/controller"
)

// LeaderElectionID identifies this controller among any others competing
// for the same lease, so two replicas never both drive the same
// provisioning request.
const LeaderElectionID = "pg-reflinker.insiderscore.com"

var (
	scheme   = runtime.NewScheme()
	setupLog = log.WithName("setup")
)

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
	// The foreign Cluster CRD (postgresql.cnpg.io/v1) is read exclusively
	// through unstructured.Unstructured (see internal/introspect/cnpg.go),
	// so it needs no scheme registration here.
}

// leaderElectionConfiguration contains the leader-election parameters
// passed to controller-runtime's manager options.
type leaderElectionConfiguration struct {
	enable        bool
	leaseDuration time.Duration
	renewDeadline time.Duration
}

// RunController is the main procedure of the controller: it builds a
// controller-runtime manager, registers the three reconcilers that make
// up the Snapshot-Provisioning State Machine, and blocks until the process is
// signaled to stop.
func RunController(
	ctx context.Context,
	metricsAddr string,
	probeAddr string,
	leaderConfig leaderElectionConfiguration,
	pprofDebug bool,
) error {
	setupLog.Info("Starting pg-reflinker controller",
		"hostPathPrefix", config.Current.HostPathPrefix,
		"namespacePath", config.Current.NamespacePath)

	restConfig := ctrl.GetConfigOrDie()
	if err := waitForAPIServerReady(ctx, restConfig); err != nil {
		setupLog.Error(err, "Kubernetes API server never became ready")
		return err
	}

	if pprofDebug {
		startPprofDebugServer(ctx)
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                        scheme,
		Metrics:                       server.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress:        probeAddr,
		LeaderElection:                leaderConfig.enable,
		LeaderElectionID:              LeaderElectionID,
		LeaseDuration:                 &leaderConfig.leaseDuration,
		RenewDeadline:                 &leaderConfig.renewDeadline,
		LeaderElectionReleaseOnCancel: true,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	if err := controller.NewPersistentVolumeClaimReconciler(mgr).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "PersistentVolumeClaim")
		return err
	}
	if err := controller.NewBackupJobReconciler(mgr).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "BackupJob")
		return err
	}
	if err := controller.NewVolumeReconciler(mgr).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "PersistentVolume")
		return err
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}

	return nil
}

// waitForAPIServerReady blocks, retrying with backoff, until the
// Kubernetes API server answers a discovery request. This is a one-shot
// startup gate, run once before the manager and its workqueues exist, so
// blocking here never introduces an unbounded loop inside a reconciler
// handler.
func waitForAPIServerReady(ctx context.Context, restConfig *rest.Config) error {
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			_, err := clientset.Discovery().ServerVersion()
			return err
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			setupLog.Info("Kubernetes API server not ready yet, retrying", "attempt", n, "error", err.Error())
		}),
	)
}

// startPprofDebugServer exposes a pprof debug server on localhost:6060,
// shut down along with the rest of the process.
func startPprofDebugServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	pprofServer := http.Server{
		Addr:              "127.0.0.1:6060",
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	setupLog.Info("Starting pprof HTTP server", "addr", pprofServer.Addr)

	go func() {
		go func() {
			<-ctx.Done()

			setupLog.Info("shutting down pprof HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := pprofServer.Shutdown(shutdownCtx); err != nil {
				setupLog.Error(err, "Failed to shutdown pprof HTTP server")
			}
		}()

		if err := pprofServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "Failed to start pprof HTTP server")
		}
	}()
}
