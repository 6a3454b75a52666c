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
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/mmu"
	"gvisor.dev/vmrun/pkg/vmrun"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmrun.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, `
cpus = 2
paging = "shadow"
max_asid = 16
`)
	got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := vmrun.DefaultConfig()
	want.CPUs = 2
	want.Paging = mmu.Shadow
	want.MaxASID = 16
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigDefault(t *testing.T) {
	got, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if diff := cmp.Diff(vmrun.DefaultConfig(), got); diff != "" {
		t.Errorf("loadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{name: "unknown key", contents: "vcpus = 3\n", want: "unknown keys vcpus"},
		{name: "bad paging", contents: `paging = "hybrid"` + "\n", want: "hybrid"},
		{name: "invalid", contents: "cpus = 0\n", want: "cpus 0"},
		{name: "syntax", contents: "cpus = \n", want: "loading config"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(writeFile(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("loadConfig: got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	want := vmrun.DefaultConfig()
	want.Paging = mmu.Shadow
	want.MaxMMUPages = 64
	var buf bytes.Buffer
	if err := writeConfig(&buf, want); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	got, err := loadConfig(writeFile(t, buf.String()))
	if err != nil {
		t.Fatalf("loadConfig(%q): %v", buf.String(), err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFlags(t *testing.T) {
	var c configFlags
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	c.register(f)
	if err := f.Parse([]string{"-paging=shadow", "-quantum=10"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf := vmrun.DefaultConfig()
	conf.CPUs = 7
	if err := c.apply(f, &conf); err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := vmrun.DefaultConfig()
	want.CPUs = 7 // Not set on the command line.
	want.Paging = mmu.Shadow
	want.Quantum = 10
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("apply mismatch (-want +got):\n%s", diff)
	}

	f = flag.NewFlagSet("test", flag.ContinueOnError)
	c.register(f)
	if err := f.Parse([]string{"-cpus=0"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.apply(f, &conf); !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Errorf("apply(-cpus=0): got %v, want %v", err, vmerr.ErrInvalidArgument)
	}
}

func TestRunImage(t *testing.T) {
	for _, paging := range []mmu.Mode{mmu.Nested, mmu.Shadow} {
		t.Run(paging.String(), func(t *testing.T) {
			conf := vmrun.DefaultConfig()
			conf.Paging = paging
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			const entry = 0x1000
			res, err := runImage(ctx, conf, demoImage, guestLayout{pages: 64, entry: entry, vcpus: 3})
			if err != nil {
				t.Fatalf("runImage: %v", err)
			}
			if len(res.VCPUs) != 3 {
				t.Fatalf("got %d results, want 3", len(res.VCPUs))
			}
			for i, v := range res.VCPUs {
				if v.ID != i || v.Exit.Reason != vmrun.ExitHypercall {
					t.Errorf("vcpu %d: got id %d exit %v, want hypercall", i, v.ID, v.Exit)
				}
				if v.Regs.RAX != 3 {
					t.Errorf("vcpu %d: RAX got %d, want 3", i, v.Regs.RAX)
				}
				if want := uint64(entry + len(demoImage)); v.Regs.RIP != want {
					t.Errorf("vcpu %d: RIP got %#x, want %#x", i, v.Regs.RIP, want)
				}
			}
			if res.CPU.Entries < 3 {
				t.Errorf("entries: got %d, want at least 3", res.CPU.Entries)
			}

			var buf bytes.Buffer
			report(&buf, res, true)
			if !strings.Contains(buf.String(), "vcpu 2: hypercall") {
				t.Errorf("report missing vcpu 2:\n%s", buf.String())
			}
		})
	}
}

func TestRunImageInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	spin := []byte{0xeb, 0xfe} // JMP .
	res, err := runImage(ctx, vmrun.DefaultConfig(), spin, guestLayout{pages: 16, vcpus: 2})
	if err != nil {
		t.Fatalf("runImage: %v", err)
	}
	for _, v := range res.VCPUs {
		if v.Exit.Reason != vmrun.ExitInterrupted {
			t.Errorf("vcpu %d: got %v, want %v", v.ID, v.Exit, vmrun.ExitInterrupted)
		}
	}
}

func TestRunImageTooLarge(t *testing.T) {
	if _, err := runImage(context.Background(), vmrun.DefaultConfig(), make([]byte, 8192), guestLayout{pages: 2, entry: 1, vcpus: 1}); err == nil {
		t.Errorf("runImage: got nil error for an image past the end of memory")
	}
	if _, err := runImage(context.Background(), vmrun.DefaultConfig(), demoImage, guestLayout{pages: 2}); err == nil {
		t.Errorf("runImage: got nil error for zero vcpus")
	}
}
