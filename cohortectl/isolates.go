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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cohorte/cohorte-runtime/forker"
)

// interrupted returns a context canceled by ^C.
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the forker serving the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := client.Info()
		if err != nil {
			return err
		}
		fmt.Printf("UID:       %s\n", info.UID)
		fmt.Printf("Node:      %s\n", info.Node)
		fmt.Printf("Node name: %s\n", info.NodeName)
		fmt.Printf("Isolates:  %d\n", info.Isolates)
		fmt.Printf("Stopping:  %v\n", info.Stopping)
		return nil
	},
}

var watchIsolates bool

var isolatesCmd = &cobra.Command{
	Use:   "isolates",
	Short: "List the isolates of the node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := client.Isolates()
		if err != nil {
			return err
		}
		ctx, cancel := interrupted()
		defer cancel()
		for {
			sortIsolates(list.Isolates)
			for i := range list.Isolates {
				showIsolate(&list.Isolates[i])
			}
			if !watchIsolates {
				return nil
			}
			if list, err = client.WatchIsolates(ctx, list); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Println()
		}
	},
}

var isolateCmd = &cobra.Command{
	Use:   "isolate <uid>",
	Short: "Show one isolate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		iso, err := client.Isolate(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("UID:       %s\n", iso.UID)
		fmt.Printf("Name:      %s\n", iso.Name)
		fmt.Printf("Kind:      %s\n", iso.Kind)
		fmt.Printf("Node:      %s\n", iso.Node)
		fmt.Printf("State:     %s\n", state(iso))
		fmt.Printf("PID:       %d\n", iso.PID)
		fmt.Printf("Directory: %s\n", iso.Dir)
		fmt.Printf("Since:     %s\n", formatDuration(time.Since(iso.Started)))
		return nil
	},
}

var (
	startCfg     forker.IsolateConfig
	startEnv     []string
	startTimeout time.Duration
)

// environment parses KEY=VALUE pairs.
func environment(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]interface{}, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("bad environment variable %q", kv)
		}
		env[kv[:i]] = kv[i+1:]
	}
	return env, nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an isolate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := environment(startEnv)
		if err != nil {
			return err
		}
		cfg := startCfg.Copy()
		cfg.Environment = env
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		res, err := client.StartIsolate(ctx, cfg)
		if res != nil {
			fmt.Printf("%s %s\n", res.UID, res.Result)
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <uid>",
	Short: "Stop an isolate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return client.StopIsolate(ctx, args[0])
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <uid>",
	Short: "Check that an isolate process runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := client.Ping(args[0])
		if err != nil {
			return err
		}
		fmt.Println(p.Ping)
		if p.Code != forker.Alive {
			os.Exit(int(p.Code))
		}
		return nil
	},
}

var followLog bool

var logCmd = &cobra.Command{
	Use:   "log [<uid>]",
	Short: "Print the log of an isolate, or of the forker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := ""
		if len(args) == 1 {
			uid = args[0]
		}
		info, err := client.GetLog(uid)
		if err != nil {
			return err
		}
		ctx, cancel := interrupted()
		defer cancel()
		var last int64
		for {
			for _, r := range info.Records {
				if r.Id <= last {
					continue
				}
				last = r.Id
				fmt.Printf("%s %s\n", r.Time.Format(time.RFC3339), r.Text)
			}
			if !followLog {
				return nil
			}
			if info, err = client.WatchLog(ctx, uid, info); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	},
}

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Dump the signal directory of the forker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.Directory()
		if err != nil {
			return err
		}
		if dumpJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		uids := make([]string, 0, len(d.Accesses))
		for uid := range d.Accesses {
			uids = append(uids, uid)
		}
		sort.Strings(uids)
		for _, uid := range uids {
			e := d.Accesses[uid]
			host := d.NodesHost[e.Node]
			if name := d.NodesNames[e.Node]; name != "" {
				host = name + "/" + host
			}
			fmt.Printf("%-36s %-32s %s:%d\n", uid, e.Name, host, e.Port)
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Refuse further isolate starts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.SetPlatformStopping()
	},
}

var dumpJSON bool

func init() {
	isolatesCmd.Flags().BoolVarP(&watchIsolates, "watch", "w", false, "watch for changes")
	logCmd.Flags().BoolVarP(&followLog, "follow", "f", false, "follow the log")

	fs := startCmd.Flags()
	fs.StringVar(&startCfg.Name, "name", "", "isolate name")
	fs.StringVar(&startCfg.UID, "uid", "", "isolate UID (default: generated)")
	fs.StringVar(&startCfg.Kind, "kind", forker.DefaultKind, "isolate kind")
	fs.StringVar(&startCfg.Language, "language", "", "isolate language")
	fs.StringArrayVar(&startCfg.Arguments, "arg", nil, "isolate argument, repeatable")
	fs.StringArrayVar(&startEnv, "env", nil, "KEY=VALUE environment variable, repeatable")
	fs.DurationVar(&startTimeout, "timeout", 30*time.Second, "start timeout")
	startCmd.MarkFlagRequired("name")

	directoryCmd.Flags().BoolVar(&dumpJSON, "json", false, "print the raw dump")
}
