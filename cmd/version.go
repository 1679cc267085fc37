package cmd

import (
	"io"
	"runtime"

	"grimm.is/flowgate/internal/brand"
)

// RunVersion prints build information.
func RunVersion(w io.Writer) {
	Printer.Fprintln(w, brand.VersionString())
	Printer.Fprintf(w, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
