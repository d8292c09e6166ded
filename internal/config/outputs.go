package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/capturebridge/internal/capture"
	"github.com/smazurov/capturebridge/internal/output"
)

// OutputSpec is one [[outputs]] entry of the outputs file.
type OutputSpec struct {
	ID   string `toml:"id"`
	Kind string `toml:"kind"`
}

// OutputsFile is the on-disk form of the configured outputs.
type OutputsFile struct {
	Outputs []OutputSpec `toml:"outputs"`
}

// ParseOutputs decodes an outputs file.
func ParseOutputs(data []byte) (OutputsFile, error) {
	var f OutputsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return OutputsFile{}, fmt.Errorf("failed to parse outputs: %w", err)
	}
	return f, nil
}

// Set builds fresh in-memory sinks for every entry.
func (f OutputsFile) Set() (*output.Set, error) {
	if len(f.Outputs) == 0 {
		return nil, fmt.Errorf("no outputs defined")
	}
	sinks := make([]output.Sink, 0, len(f.Outputs))
	for _, o := range f.Outputs {
		sinks = append(sinks, output.NewMemorySink(capture.SinkID(o.ID), capture.SinkKind(o.Kind)))
	}
	return output.NewSet(sinks...)
}

// LoadOutputs reads path and builds the output set it describes.
func LoadOutputs(path string) (*output.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := ParseOutputs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	set, err := f.Set()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}
