//go:build !debug

package errors

import "grimm.is/flowgate/internal/logging"

// Assert reports a broken internal invariant. Release builds log it and
// carry on; builds with the debug tag panic.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	logging.Default().WithComponent("assert").Error("invariant violated", "detail", Errorf(KindInternal, format, args...).Error())
}
