package cmd

import (
	"fmt"
	"io"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/flowgate/internal/errors"
)

// ErrDiffers is returned by RunDiff when the two configurations install
// different tables.
var ErrDiffers = errors.New(errors.KindConflict, "configurations differ")

// RunDiff builds the tables of two configuration files and prints a unified
// diff of their dumps.
func RunDiff(w io.Writer, fromFile, toFile string) error {
	from, err := tablesOf(fromFile)
	if err != nil {
		return fmt.Errorf("%s: %w", fromFile, err)
	}
	to, err := tablesOf(toFile)
	if err != nil {
		return fmt.Errorf("%s: %w", toFile, err)
	}

	if from == to {
		Printer.Fprintln(w, "No changes detected.")
		return nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return err
	}
	fmt.Fprint(w, text)
	return ErrDiffers
}

func tablesOf(path string) (string, error) {
	cfg, _, err := loadConfig(path)
	if err != nil {
		return "", err
	}
	p, err := buildTables(cfg)
	if err != nil {
		return "", err
	}
	return marshalTables(p)
}
