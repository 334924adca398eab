package vault

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by GetArtifact for names the vault does not hold.
var ErrNotFound = errors.New("artifact not found")

// validateName rejects names that are not a single path element.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".tmp-") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
