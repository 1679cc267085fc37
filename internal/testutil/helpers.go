// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the FLOWGATE_VM_TEST environment variable is not set.
// Tests that need real kernel capabilities (netlink, nfqueue, nftables) only
// run inside the test VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOWGATE_VM_TEST") == "" {
		t.Skip("Skipping test: requires FLOWGATE_VM_TEST environment")
	}
}
