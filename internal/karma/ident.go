package karma

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeUserID trims and NFC-normalizes an identifier so that visually
// identical ids address the same ledger.
func NormalizeUserID(id string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(id))
	if n == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	return n, nil
}
