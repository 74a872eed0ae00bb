// Command evidentctl is the operator CLI for the forensic evidence
// core: offline bundle validation, chain verification, and the limiter
// and diff self-tests. Every verifier prints one machine-readable line
// to stderr and exits 0 on success, 1 on any failure.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
