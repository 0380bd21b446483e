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
	"time"

	"github.com/spf13/cobra"
)

// NewCmd creates the "controller" subcommand, which runs the
// Snapshot-Provisioning State Machine as a long-lived controller-runtime
// manager.
func NewCmd() *cobra.Command {
	var metricsAddr string
	var probeAddr string
	var leaderElectionEnable bool
	var pprofHTTPServer bool
	var leaderLeaseDuration int
	var leaderRenewDeadline int

	cmd := cobra.Command{
		Use:           "controller [flags]",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunController(
				cmd.Context(),
				metricsAddr,
				probeAddr,
				leaderElectionConfiguration{
					enable:        leaderElectionEnable,
					leaseDuration: time.Duration(leaderLeaseDuration) * time.Second,
					renewDeadline: time.Duration(leaderRenewDeadline) * time.Second,
				},
				pprofHTTPServer,
			)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	cmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081",
		"The address the readiness/liveness probe endpoint binds to.")

	cmd.Flags().BoolVar(&leaderElectionEnable, "leader-elect", false,
		"Enable leader election for the controller manager. "+
			"If enabled, this will ensure there is only one active reconciler for this cluster.")
	cmd.Flags().IntVar(&leaderLeaseDuration, "leader-lease-duration", 15,
		"the leader lease duration expressed in seconds")
	cmd.Flags().IntVar(&leaderRenewDeadline, "leader-renew-deadline", 10,
		"the leader renew deadline expressed in seconds")

	cmd.Flags().BoolVar(
		&pprofHTTPServer,
		"pprof-server",
		false,
		"If true it will start a pprof debug http server on localhost:6060. Defaults to false.",
	)

	return &cmd
}
