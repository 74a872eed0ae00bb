package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidentsys/evident/digest"
)

var keyHex string

var rootCmd = &cobra.Command{
	Use:   "evidentctl",
	Short: "Verify forensic evidence: bundles, log chains, limiter and diff invariants",
	Long: `Evidentctl re-checks artifacts produced by the evidence core without
trusting the producer: sealed incident bundles, tamper-evident log
chains, and the rate-limiter and diff-engine invariants.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", "", "MAC key as 64 hex characters")
}

// loadKey decodes --key.
func loadKey() ([]byte, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("--key is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("--key is not hex: %w", err)
	}
	if len(key) != digest.KeySize {
		return nil, fmt.Errorf("--key must be %d bytes, got %d", digest.KeySize, len(key))
	}
	return key, nil
}

// report prints the single structured result line on stderr and returns
// a non-nil error for failures so Execute exits 1.
func report(result, reason string, extra map[string]any) error {
	line := map[string]any{"result": result, "reason": reason}
	for k, v := range extra {
		line[k] = v
	}
	b, _ := json.Marshal(line)
	fmt.Fprintln(os.Stderr, string(b))
	if result != "valid" {
		return fmt.Errorf("%s", reason)
	}
	return nil
}
