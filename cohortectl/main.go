// Copyright 2015 The Cohorte Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Command cohortectl talks to the management API of a cohorted forker.
//
// Subcommands are
//
//	info                 - show the forker serving the API
//	isolates [-w]        - list the isolates of the node, or watch them
//	isolate <uid>        - show one isolate
//	start --name <name>  - start an isolate
//	stop <uid>           - stop an isolate
//	ping <uid>           - check that an isolate process runs
//	log [-f] [<uid>]     - print the log of an isolate, or of the forker
//	directory            - dump the signal directory of the forker
//	drain                - refuse further isolate starts
//	events [<kind> ...]  - print the lifecycle events published on NATS
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cohorte/cohorte-runtime/rest"
)

var (
	addr   = "http://127.0.0.1:8321"
	auth   = ""
	client *rest.Client
)

var rootCmd = &cobra.Command{
	Use:           "cohortectl",
	Short:         "Cohorte node management client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		client = rest.NewClient(nil, strings.TrimRight(addr, "/"))
		if auth != "" {
			a := strings.SplitN(auth, ":", 2)
			if len(a) != 2 {
				return fmt.Errorf("bad user:pass supplied")
			}
			client.SetAuth(a[0], a[1])
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "address", "a", addr, "cohorted address")
	rootCmd.PersistentFlags().StringVarP(&auth, "user", "u", auth, "user:pass authentication")

	rootCmd.AddCommand(infoCmd, isolatesCmd, isolateCmd, startCmd, stopCmd,
		pingCmd, logCmd, directoryCmd, drainCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
