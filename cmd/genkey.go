package cmd

import (
	"fmt"
	"io"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// RunGenKey prints a new tunnel private key and its public key.
func RunGenKey(w io.Writer) error {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	Printer.Fprintf(w, "private_key = %q\n", key.String())
	Printer.Fprintf(w, "public_key  = %q\n", key.PublicKey().String())
	return nil
}

// RunPubKey prints the public key for a base64 private key.
func RunPubKey(w io.Writer, private string) error {
	key, err := wgtypes.ParseKey(private)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	Printer.Fprintln(w, key.PublicKey().String())
	return nil
}
