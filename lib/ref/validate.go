// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// validateSigilID checks the common structural form shared by user and
// room IDs: a one-byte sigil, a non-empty local part, a ':' separator,
// and a non-empty server name.
func validateSigilID(raw string, sigil byte, kind string) error {
	if raw == "" {
		return fmt.Errorf("empty %s", kind)
	}
	if raw[0] != sigil {
		return fmt.Errorf("%s must start with %q: %q", kind, string(sigil), raw)
	}

	colonIndex := strings.IndexByte(raw[1:], ':')
	if colonIndex < 0 {
		return fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	if colonIndex == 0 {
		return fmt.Errorf("%s has empty local part: %q", kind, raw)
	}
	if raw[1+colonIndex+1:] == "" {
		return fmt.Errorf("%s has empty server name: %q", kind, raw)
	}
	return nil
}
