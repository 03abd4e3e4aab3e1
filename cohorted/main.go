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


// Command cohorted runs the processes of a Cohorte node: the forker, which
// supervises the isolates of the node, and the monitor, which decides
// what runs where.  Both are started by default.
//
// Every flag may also be set in the YAML configuration file, or through
// an environment variable: --multicast-group is COHORTE_MULTICAST_GROUP.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cohorted",
	Short: "Cohorte node daemon",
	Long: `cohorted supervises the isolates of a Cohorte node.

With the forker role it starts, watches and stops isolate processes and
announces itself by multicast heartbeats.  With the monitor role it finds
the forkers of the platform, starts the auto-run isolates and the node
composition, and coordinates platform shutdown.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

var keys []string

func flagName(key string) string {
	return strings.ReplaceAll(key, ".", "-")
}

// flag declares a persistent flag for a viper key.  Dots in the key
// become dashes in the flag name.
func flag(key string, value interface{}, usage string) {
	fs := rootCmd.PersistentFlags()
	switch v := value.(type) {
	case string:
		fs.String(flagName(key), v, usage)
	case int:
		fs.Int(flagName(key), v, usage)
	default:
		panic(fmt.Sprintf("unsupported flag type %T", value))
	}
	keys = append(keys, key)
}

// bindFlags binds every declared flag to its key.
func bindFlags() {
	for _, key := range keys {
		viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flagName(key)))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (YAML)")

	flag("role", "both", "processes to run: forker, monitor or both")
	flag("node.uid", "", "node UID (default: generated)")
	flag("node.name", "", "node name (default: host name)")
	flag("isolate.uid", "", "UID of the forker process (default: generated)")
	flag("home", "", "COHORTE_HOME (default: current directory)")
	flag("base", "", "COHORTE_BASE, where working directories are made (default: home)")
	flag("http.addr", ":8321", "forker signals and management API address")
	flag("monitor.addr", ":0", "monitor signals address")
	flag("signals.read-timeout", "5s", "signal response timeout")
	flag("forker.start-timeout", "10s", "isolate start rendezvous timeout")
	flag("forker.stop-timeout", "5s", "isolate stop timeout")
	flag("forker.boot-command", "", "command line of boot isolates")
	flag("forker.starters", "", "directory of JSON isolate starters")
	flag("multicast.group", "239.0.0.1", "heartbeat group")
	flag("multicast.port", 42000, "heartbeat port")
	flag("multicast.ttl", "10s", "time a forker may stay silent")
	flag("multicast.interval", "2s", "heartbeat interval")
	flag("app.id", "", "application ID carried by heartbeats")
	flag("nats.url", "", "NATS server lifecycle events are published to")
	flag("broker.path", "", "configuration broker store (default: in memory)")
	flag("composer.delay", "5s", "composer settle delay")
	flag("composer.composition", "composition.yaml", "node composition file")
	flag("monitor.autorun", "autorun.yaml", "auto-run isolates file")
	flag("monitor.kinds", "kinds.yaml", "isolate kind templates file")
	flag("log.level", "info", "log level (debug, info, warn, error)")
	bindFlags()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("cohorted")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("COHORTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Cannot read configuration: %v\n", err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
