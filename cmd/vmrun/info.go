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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/vmrun"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	flags configFlags
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "show host SVM support and the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return "info [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	i.flags.register(f)
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := *args[0].(*vmrun.Config)
	if err := i.flags.apply(f, &conf); err != nil {
		Fatalf("%v", err)
	}

	feat, err := svm.HostFeatures()
	if err != nil {
		// Not fatal: the software CPU does not need host support.
		fmt.Fprintf(os.Stdout, "# host features unavailable: %v\n", err)
	} else {
		writeFeatures(os.Stdout, feat)
	}
	if err := writeConfig(os.Stdout, conf); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func writeFeatures(w io.Writer, feat svm.Features) {
	fmt.Fprintf(w, "# svm: %t\n", feat.SVM)
	fmt.Fprintf(w, "# npt: %t\n", feat.NPT)
	fmt.Fprintf(w, "# flushbyasid: %t\n", feat.FlushByASID)
	fmt.Fprintf(w, "# vmcb_clean: %t\n", feat.VMCBClean)
	fmt.Fprintf(w, "# nrip_save: %t\n", feat.NRIPSave)
}

// writeConfig writes conf in the format loadConfig reads.
func writeConfig(w io.Writer, conf vmrun.Config) error {
	if err := toml.NewEncoder(w).Encode(conf); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}
