// Package cmd implements the flowgate subcommands.
package cmd

import (
	"fmt"

	"grimm.is/flowgate/internal/config"
	"grimm.is/flowgate/internal/i18n"
)

// Printer is the global message printer for the CLI.
var Printer = i18n.NewCLIPrinter()

// loadConfig reads and validates a configuration file. Validation warnings
// are returned alongside the load warnings.
func loadConfig(path string) (*config.Config, []string, error) {
	result, err := config.LoadFileWithOptions(path, config.DefaultLoadOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("configuration invalid: %w", err)
	}
	errs := result.Config.Validate()
	if errs.HasErrors() {
		return nil, nil, fmt.Errorf("configuration invalid: %w", errs)
	}
	warnings := result.Warnings
	for _, w := range errs.Warnings() {
		warnings = append(warnings, w.Error())
	}
	return result.Config, warnings, nil
}
