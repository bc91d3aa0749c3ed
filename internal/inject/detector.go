// Package inject implements a heuristic, regex-based SQL injection
// detector. It is deliberately not a parser: it looks for textual
// fingerprints known to accompany injection attempts and fails close when
// it cannot load any working pattern.
package inject

import (
	"log/slog"
	"regexp"
)

// Result is the outcome of a single Check call.
type Result struct {
	Detected       bool
	MatchedPattern string
	Reason         string
}

// Detector holds a precompiled, case-insensitive pattern list.
type Detector struct {
	patterns   []*regexp.Regexp
	sources    []string
	failClosed bool
}

// DefaultPatterns is the built-in fingerprint set. Known false negatives
// (documented, not fixed): comment-split keywords surviving stripping
// (UN/**/ION), CHAR()/hex-literal encoding bypasses, and variable
// indirection via prepared statements.
var DefaultPatterns = []string{
	`(?i)UNION\s+(ALL\s+)?SELECT`,
	`'(\s)*OR(\s)*'?\s*1\s*=\s*1`,
	`(?i)\bOR\b\s+'[^']*'\s*=\s*'[^']*'`,
	`(?i)\bSLEEP\s*\(`,
	`(?i)\bBENCHMARK\s*\(`,
	`(?i)\bLOAD_FILE\s*\(`,
	`(?i)\bINTO\s+(OUT|DUMP)FILE\b`,
	`(?i);\s*(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|CALL|PREPARE|EXECUTE|TRUNCATE)\b`,
	`--\s*$`,
	`/\*.*\*/`,
}

// New compiles patterns case-insensitively, skipping and logging any that
// fail to compile. If none compile, the detector enters fail-close mode:
// every subsequent Check reports Detected=true.
func New(patterns []string) *Detector {
	d := &Detector{}
	for _, src := range patterns {
		re, err := regexp.Compile(caseInsensitive(src))
		if err != nil {
			slog.Warn("inject: skipping invalid pattern", "pattern", src, "error", err)
			continue
		}
		d.patterns = append(d.patterns, re)
		d.sources = append(d.sources, src)
	}
	if len(d.patterns) == 0 {
		slog.Error("inject: no valid patterns compiled, entering fail-close mode")
		d.failClosed = true
	}
	return d
}

func caseInsensitive(src string) string {
	if len(src) >= 4 && src[:4] == "(?i)" {
		return src
	}
	return "(?i)" + src
}

// Check evaluates raw SQL text against the compiled pattern list. The first
// match wins. If the detector is fail-closed, every call reports detection
// without inspecting sql.
func (d *Detector) Check(sql string) Result {
	if d.failClosed {
		return Result{Detected: true, Reason: "no valid patterns loaded"}
	}
	for i, re := range d.patterns {
		if re.MatchString(sql) {
			return Result{Detected: true, MatchedPattern: d.sources[i], Reason: "pattern-match"}
		}
	}
	return Result{Detected: false}
}

// FailClosed reports whether the detector has no usable patterns.
func (d *Detector) FailClosed() bool {
	return d.failClosed
}
