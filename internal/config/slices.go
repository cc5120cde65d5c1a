package config

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSliceConfigPath is the default location for the dimension-slice
// configuration file. Hidden-file format following common tool conventions.
const DefaultSliceConfigPath = ".funnel.yaml"

// sliceFile is the YAML shape of the slice configuration file.
type sliceFile struct {
	// DimensionSlices lists dimension combinations to materialize, e.g.
	//
	//   dimension_slices:
	//     - [device_type]
	//     - [device_type, traffic_source]
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	DimensionSlices [][]string `yaml:"dimension_slices"`
}

// DefaultDimensionSlices returns the slice combinations materialized when no
// configuration file is present: one single-dimension slice per dimension,
// matching the breakdowns the reporting surfaces consume.
func DefaultDimensionSlices() [][]string {
	return [][]string{
		{"device_type"},
		{"traffic_source"},
		{"customer_segment"},
	}
}

// LoadSliceFile loads dimension-slice combinations from a YAML file.
//
// Behavior:
//   - Returns defaults (not an error) if the file doesn't exist - the file
//     is optional
//   - Returns defaults and logs a warning if the YAML is invalid (graceful
//     degradation)
//   - Returns the configured combinations on success
//
// Validation of dimension names happens in the funnel package, which owns
// the dimension vocabulary.
func LoadSliceFile(path string) [][]string {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Slice config file not found, using default dimension slices",
				slog.String("path", path))

			return DefaultDimensionSlices()
		}

		slog.Warn("Failed to read slice config file, using default dimension slices",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultDimensionSlices()
	}

	var file sliceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Invalid slice config file, using default dimension slices",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultDimensionSlices()
	}

	if len(file.DimensionSlices) == 0 {
		return DefaultDimensionSlices()
	}

	return file.DimensionSlices
}
