// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary vmrun runs flat guest images on the software SVM CPU and reports
// the state the VMM core leaves them in.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/refs"
)

var (
	configPath = flag.String("config", "", "TOML configuration file. Flags of each command override it.")
	debug      = flag.Bool("debug", false, "enable debug logging. Same as -log-level=debug.")
	logFormat  = flag.String("log-format", "text", "log format: text (glog-style) or json.")
	logLevel   = log.Info
	leakMode   = refs.NoLeakChecking
)

func init() {
	flag.TextVar(&logLevel, "log-level", log.Info, "log level: warning, info or debug.")
	flag.TextVar(&leakMode, "ref-leak-mode", refs.NoLeakChecking, "reference leak check on exit: disabled, log-names or panic.")
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Info), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	w := &log.Writer{Next: os.Stderr}
	switch *logFormat {
	case "text":
		log.SetTarget(log.GoogleEmitter{Emitter: w})
	case "json":
		log.SetTarget(log.JSONEmitter{Writer: w})
	default:
		Fatalf("invalid log format %q", *logFormat)
	}
	if *debug {
		logLevel = log.Debug
	}
	log.SetLevel(logLevel)
	refs.SetLeakMode(leakMode)

	conf, err := loadConfig(*configPath)
	if err != nil {
		Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	status := subcommands.Execute(ctx, &conf)
	stop()
	if refs.DoLeakCheck() > 0 && status == subcommands.ExitSuccess {
		status = subcommands.ExitFailure
	}
	os.Exit(int(status))
}

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "vmrun: "+format+"\n", args...)
	os.Exit(128)
}
