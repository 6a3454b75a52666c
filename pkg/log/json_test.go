// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"flag"
	"strings"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `2`, want: Debug},
		{in: `"2"`, want: Debug},
		{in: `"verbose"`, wantErr: true},
		{in: `3`, wantErr: true},
	} {
		var l Level
		err := json.Unmarshal([]byte(tc.in), &l)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Unmarshal(%s): got %v, want error", tc.in, l)
			}
			continue
		}
		if err != nil || l != tc.want {
			t.Errorf("Unmarshal(%s): got %v, %v, want %v", tc.in, l, err, tc.want)
		}
		b, err := json.Marshal(l)
		if err != nil {
			t.Errorf("Marshal(%v): %v", l, err)
		}
		var back Level
		if err := json.Unmarshal(b, &back); err != nil || back != l {
			t.Errorf("round trip of %v through %s: got %v, %v", l, b, back, err)
		}
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal(Level(7)): got nil error")
	}
}

func TestLevelFlag(t *testing.T) {
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	l := Info
	f.TextVar(&l, "level", Info, "")
	if err := f.Parse([]string{"-level=debug"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if l != Debug {
		t.Errorf("level: got %v, want %v", l, Debug)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Unix(0, 0).UTC(), "vcpu %d halted", 2)
	if len(tw.lines) != 2 {
		t.Fatalf("got %d writes, want record plus newline: %q", len(tw.lines), tw.lines)
	}
	if !strings.Contains(tw.lines[0], `"level":"warning"`) {
		t.Errorf("record %q does not name the level", tw.lines[0])
	}
	var j jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("unmarshal %q: %v", tw.lines[0], err)
	}
	if j.Level != Warning || j.Msg != "vcpu 2 halted" {
		t.Errorf("got level %v msg %q, want %v %q", j.Level, j.Msg, Warning, "vcpu 2 halted")
	}
	if !strings.HasPrefix(j.Caller, "json_test.go:") {
		t.Errorf("caller got %q, want json_test.go:<line>", j.Caller)
	}
}
