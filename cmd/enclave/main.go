// Command enclave runs a ciphernode of the Enclave threshold-FHE network.
// See the root command's Long description for an overview; run `enclave
// --help` for the full subcommand surface.
package main

import (
	"fmt"
	"os"

	"github.com/enclave-xyz/ciphernode/internal/errs"
)

func main() {
	os.Exit(run())
}

// run executes the CLI and maps the resulting error's category onto
// spec.md §6's exit codes: 0 success, 1 configuration error, 2 runtime
// error.
func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "enclave: %v\n", err)
		if errs.Is(err, errs.Configuration) {
			return 1
		}
		return 2
	}
	return 0
}
