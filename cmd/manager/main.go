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

/*
The manager command is the main entrypoint of the pg-reflinker snapshot
controller: it owns the Snapshot-Provisioning State Machine and a couple
of operator-facing convenience commands.
*/
package main

import (
	"os"

	"github.com/spf13/cobra"

	managerlog "github.com/insiderscore/pg-reflinker/internal/cmd/manager"
	"github.com/insiderscore/pg-reflinker/internal/cmd/manager/controller"
	"github.com/insiderscore/pg-reflinker/internal/cmd/snapshots"
	"github.com/insiderscore/pg-reflinker/internal/cmd/versions"

	_ "k8s.io/client-go/plugin/pkg/client/auth"
)

func main() {
	logFlags := &managerlog.Flags{}

	cmd := &cobra.Command{
		Use:          "manager [cmd]",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logFlags.ConfigureLogging()
		},
	}

	logFlags.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(controller.NewCmd())
	cmd.AddCommand(snapshots.NewCmd())
	cmd.AddCommand(versions.NewCmd())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
