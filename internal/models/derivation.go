package models

import (
	"fmt"
	"strings"
)

// StorePath is an opaque content-addressed store path: a 32-character hash
// prefix followed by a human-readable name, optionally suffixed with ".drv"
// when it names a derivation file.
type StorePath string

// ParseStorePath validates that s looks like "<32-char-hash>-<name>" and
// returns it as a StorePath.
func ParseStorePath(s string) (StorePath, error) {
	base := s
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		base = s[i+1:]
	}
	dash := strings.IndexByte(base, '-')
	if dash != 32 {
		return "", fmt.Errorf("store path %q does not start with a 32-character hash", s)
	}
	if len(base) <= dash+1 {
		return "", fmt.Errorf("store path %q has no name component", s)
	}
	return StorePath(base), nil
}

// IsDerivation reports whether the path names a derivation file.
func (p StorePath) IsDerivation() bool {
	return strings.HasSuffix(string(p), ".drv")
}

// Hash returns the 32-character content hash prefix.
func (p StorePath) Hash() string {
	s := string(p)
	if len(s) < 32 {
		return s
	}
	return s[:32]
}

// Name returns the human-readable suffix after the hash.
func (p StorePath) Name() string {
	s := string(p)
	if len(s) <= 33 {
		return ""
	}
	return s[33:]
}

// Derivation is a parsed build description: the set of derivations it
// depends on (input_drvs), the outputs it produces, and whether it is
// content-addressed (a fixed-output derivation, whose output hash is known
// ahead of time).
type Derivation struct {
	Path             StorePath
	InputDrvs        []StorePath
	Outputs          map[string]StorePath
	RequiredSystem   string
	RequiredFeatures []string
	ContentAddressed bool
}

// IsCA reports whether this derivation is a fixed-output / content-addressed
// derivation, per the glossary definition.
func (d *Derivation) IsCA() bool {
	return d.ContentAddressed
}
