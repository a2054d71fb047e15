// Copyright 2025 Tom Barlow
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

package tracing

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"service_version"`

	// Exporter selects the span destination: "stdout" or "none".
	Exporter string `yaml:"exporter"`

	// PrettyPrint formats stdout spans for humans.
	PrettyPrint bool `yaml:"pretty_print"`

	// SampleRate is the fraction of traces recorded (0.0 - 1.0).
	SampleRate float64 `yaml:"sample_rate"`
}

// Exporter names.
const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// DefaultConfig returns tracing disabled, sampling everything once enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName: "sentinel",
		Exporter:    ExporterStdout,
		SampleRate:  1.0,
	}
}
