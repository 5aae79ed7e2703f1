package publisher

import (
	"fmt"
	"path"
	"regexp"
)

// policy scans textual assets for forbidden patterns, typically hardcoded
// environment hosts or secrets that must never ship inside a bundle.
type policy struct {
	patterns []*regexp.Regexp
}

func compilePolicy(patterns []string) (*policy, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: forbidden pattern %q: %v", ErrValidation, p, err)
		}
		compiled = append(compiled, re)
	}
	return &policy{patterns: compiled}, nil
}

func (p *policy) empty() bool {
	return p == nil || len(p.patterns) == 0
}

func (p *policy) scan(assetPath string, content []byte) error {
	if p.empty() {
		return nil
	}
	for _, re := range p.patterns {
		if re.Match(content) {
			return fmt.Errorf("%w: asset %s matches forbidden pattern %q", ErrValidation, assetPath, re.String())
		}
	}
	return nil
}

// scannable limits policy checks to text assets where embedded references
// can occur.
var scannableExts = map[string]struct{}{
	".js": {}, ".mjs": {}, ".css": {}, ".html": {}, ".htm": {},
	".json": {}, ".svg": {}, ".txt": {}, ".map": {}, ".webmanifest": {},
}

func scannable(assetPath string) bool {
	_, ok := scannableExts[path.Ext(assetPath)]
	return ok
}
