package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/evidentsys/evident/bundle"
)

var verifyBundleCmd = &cobra.Command{
	Use:   "verify-bundle <path>",
	Short: "Validate a sealed incident bundle offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		key, err := loadKey()
		if err != nil {
			return report("invalid", err.Error(), nil)
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return report("invalid", err.Error(), nil)
		}
		if err := bundle.ValidateArchiveBytes(data, key, nil); err != nil {
			return report("invalid", validationReason(err), nil)
		}
		return report("valid", "", nil)
	},
}

// validationReason maps bundle failures onto their stable names.
func validationReason(err error) string {
	switch {
	case errors.Is(err, bundle.ErrInvalidSeal):
		return "invalid_seal"
	case errors.Is(err, bundle.ErrInvalidWindow):
		return "invalid_window"
	case errors.Is(err, bundle.ErrInvalidSchema):
		return "invalid_schema"
	case errors.Is(err, bundle.ErrInvalidSize), errors.Is(err, bundle.ErrSizeBudget):
		return "invalid_size"
	case errors.Is(err, bundle.ErrChainInvalid):
		return "chain_invalid"
	default:
		return err.Error()
	}
}

func init() {
	rootCmd.AddCommand(verifyBundleCmd)
}
