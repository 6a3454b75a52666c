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
	"flag"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vmrun/pkg/mmu"
	"gvisor.dev/vmrun/pkg/vmrun"
)

// loadConfig returns the default configuration overlaid with the TOML file
// at path, if any.
func loadConfig(path string) (vmrun.Config, error) {
	conf := vmrun.DefaultConfig()
	if path == "" {
		return conf, nil
	}
	md, err := toml.DecodeFile(path, &conf)
	if err != nil {
		return conf, fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return conf, fmt.Errorf("config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("config %q: %w", path, err)
	}
	return conf, nil
}

// configFlags are flags overriding fields of a vmrun.Config. Only flags set
// on the command line are applied.
type configFlags struct {
	cpus        int
	maxASID     uint
	paging      mmu.Mode
	maxMMUPages int
	largePages  bool
	quantum     int
}

func (c *configFlags) register(f *flag.FlagSet) {
	def := vmrun.DefaultConfig()
	f.IntVar(&c.cpus, "cpus", def.CPUs, "number of physical CPUs.")
	f.UintVar(&c.maxASID, "max-asid", uint(def.MaxASID), "largest ASID of each physical CPU.")
	f.TextVar(&c.paging, "paging", def.Paging, "guest paging: nested or shadow.")
	f.IntVar(&c.maxMMUPages, "max-mmu-pages", def.MaxMMUPages, "table page budget per VM, 0 for automatic.")
	f.BoolVar(&c.largePages, "large-pages", def.LargePages, "allow mappings larger than 4K.")
	f.IntVar(&c.quantum, "quantum", def.Quantum, "instructions per entry before an interrupt exit.")
}

// apply overrides conf with the flags set in f.
func (c *configFlags) apply(f *flag.FlagSet, conf *vmrun.Config) error {
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "cpus":
			conf.CPUs = c.cpus
		case "max-asid":
			conf.MaxASID = uint32(c.maxASID)
		case "paging":
			conf.Paging = c.paging
		case "max-mmu-pages":
			conf.MaxMMUPages = c.maxMMUPages
		case "large-pages":
			conf.LargePages = c.largePages
		case "quantum":
			conf.Quantum = c.quantum
		}
	})
	return conf.Validate()
}
