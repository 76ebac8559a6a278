// Command trumoto monitors and tunes a TruMoto motorcycle controller over
// Bluetooth Low Energy.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
