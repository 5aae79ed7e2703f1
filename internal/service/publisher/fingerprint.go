package publisher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/ImmutableWebApps/iwa/internal/domain"
)

var (
	tagRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	varNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const maxTagLength = 64

// fingerprint derives the content digest of a bundle. It hashes the sorted
// asset manifest plus the ordered entrypoints and the sorted variable names,
// so any change to content, structure, or contract produces a new digest.
func fingerprint(assets []domain.BundleAsset, entrypoints, varNames []string) string {
	paths := make([]string, 0, len(assets))
	byPath := make(map[string]domain.BundleAsset, len(assets))
	for _, asset := range assets {
		paths = append(paths, asset.Path)
		byPath[asset.Path] = asset
	}
	sort.Strings(paths)

	sortedVars := append([]string(nil), varNames...)
	sort.Strings(sortedVars)

	h := sha256.New()
	for _, p := range paths {
		io.WriteString(h, p)
		h.Write([]byte{0})
		io.WriteString(h, byPath[p].SHA256)
		h.Write([]byte{'\n'})
	}
	io.WriteString(h, "entrypoints\x00")
	io.WriteString(h, strings.Join(entrypoints, "\x00"))
	h.Write([]byte{'\n'})
	io.WriteString(h, "vars\x00")
	io.WriteString(h, strings.Join(sortedVars, "\x00"))
	h.Write([]byte{'\n'})
	return hex.EncodeToString(h.Sum(nil))
}

// deriveVersion picks the bundle version: an explicit tag wins, otherwise a
// digest prefix long enough to make accidental collisions implausible.
func deriveVersion(tag, digest string) string {
	if tag != "" {
		return tag
	}
	return digest[:16]
}

func validateTag(tag string) error {
	if tag == "" {
		return nil
	}
	if len(tag) > maxTagLength {
		return fmt.Errorf("%w: tag exceeds %d characters", ErrValidation, maxTagLength)
	}
	if !tagRe.MatchString(tag) {
		return fmt.Errorf("%w: tag %q contains invalid characters", ErrValidation, tag)
	}
	return nil
}

func validateVarNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if !varNameRe.MatchString(name) {
			return fmt.Errorf("%w: variable name %q is not a valid identifier", ErrValidation, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: variable name %q repeated", ErrValidation, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
