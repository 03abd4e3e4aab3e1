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


package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/cohorte/cohorte-runtime/events"
)

var (
	natsURL     = nats.DefaultURL
	eventPrefix = events.DefaultPrefix
)

var eventsCmd = &cobra.Command{
	Use:   "events [<kind> ...]",
	Short: "Print the lifecycle events published on NATS",
	Long: `Print the lifecycle events the daemons publish, isolate.lost or
forker.ready for instance.  Without kinds every event is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nc, err := nats.Connect(natsURL, nats.Name("cohortectl"))
		if err != nil {
			return err
		}
		defer nc.Close()

		subs, err := events.Subscribe(nc, eventPrefix, func(ev events.Event) {
			fmt.Printf("%s %-17s %-36s %-20s %s\n", ev.Time.Format(time.RFC3339),
				ev.Kind, ev.UID, ev.Name, ev.Node)
		}, args...)
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}()

		ctx, cancel := interrupted()
		defer cancel()
		<-ctx.Done()
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&natsURL, "nats", natsURL, "NATS server URL")
	eventsCmd.Flags().StringVar(&eventPrefix, "prefix", eventPrefix, "subject prefix")
}
