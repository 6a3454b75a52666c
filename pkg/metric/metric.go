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

// Package metric provides primitives for collecting metrics.
//
// Metrics are cumulative uint64 counters, optionally broken down by a single
// field with a fixed set of allowed values. They are registered at init and
// exported in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/vmrun/pkg/sync"

	dto "github.com/prometheus/client_model/go"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that the name is not of the form /a/b/c.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that more than one field was given.
	ErrTooManyFields = errors.New("metric may have at most one field")
)

// namespace prefixes every exported metric family.
const namespace = "vmrun"

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string

	// field is the breakdown field, or nil.
	field *Field

	// values holds one counter per allowed field value, or a single counter
	// when there is no field.
	values []atomic.Uint64
}

// key maps field values to an index in m.values. It must be called with the
// correct number of field values or it will panic.
func (m *Uint64Metric) key(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %s has no fields, got %d values", m.name, len(fieldValues)))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %s has one field, got %d values", m.name, len(fieldValues)))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %s: disallowed field value %q", m.name, fieldValues[0]))
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Registry is a set of metrics sharing one namespace.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Uint64Metric)}
}

// Default is the registry used by the package-level functions.
var Default = NewRegistry()

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for _, c := range name[1:] {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '_' && c != '/' {
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	if len(fields) > 1 {
		return nil, ErrTooManyFields
	}
	m := &Uint64Metric{name: name, description: description}
	n := 1
	if len(fields) == 1 {
		if len(fields[0].allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		f := fields[0]
		m.field = &f
		n = len(f.allowedValues)
	}
	m.values = make([]atomic.Uint64, n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	r.metrics[name] = m
	return m, nil
}

// NewUint64Metric registers a metric in the Default registry.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	return Default.NewUint64Metric(name, description, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// familyName converts /a/b_c to vmrun_a_b_c.
func familyName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

// families returns the registry contents as Prometheus metric families,
// sorted by name.
func (r *Registry) families() []*dto.MetricFamily {
	r.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		ms = append(ms, m)
	}
	r.mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	out := make([]*dto.MetricFamily, 0, len(ms))
	for _, m := range ms {
		mf := &dto.MetricFamily{
			Name: proto.String(familyName(m.name)),
			Help: proto.String(m.description),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for i := range m.values {
			pm := &dto.Metric{
				Counter: &dto.Counter{Value: proto.Float64(float64(m.values[i].Load()))},
			}
			if m.field != nil {
				pm.Label = []*dto.LabelPair{{
					Name:  proto.String(m.field.name),
					Value: proto.String(m.field.allowedValues[i]),
				}}
			}
			mf.Metric = append(mf.Metric, pm)
		}
		out = append(out, mf)
	}
	return out
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteText writes the Default registry to w.
func WriteText(w io.Writer) error {
	return Default.WriteText(w)
}

// Values returns a snapshot of every counter, keyed by metric name and, for
// metrics with a field, by "name:value".
func (r *Registry) Values() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := make(map[string]uint64)
	for name, m := range r.metrics {
		if m.field == nil {
			vals[name] = m.values[0].Load()
			continue
		}
		for i, v := range m.field.allowedValues {
			vals[name+":"+v] = m.values[i].Load()
		}
	}
	return vals
}
