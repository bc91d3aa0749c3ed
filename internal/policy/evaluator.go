package policy

import (
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/sqlclassify"
)

// Session is the subset of session state the evaluator needs: the
// authenticated user and the client's source IP, both filled in by the
// handshake relay before the command loop starts evaluating queries.
type Session struct {
	User     string
	ClientIP net.IP
}

// Evaluator holds an atomically replaceable *Config, mirroring the
// teacher's router.Router snapshot-swap: reads are lock-free, mutations
// serialize on a write mutex and swap in a freshly compiled value.
type Evaluator struct {
	cfg atomic.Value // holds *Config, or nil until the first Reload
	wmu sync.Mutex

	// compiledPatterns mirrors cfg.SqlRules.BlockPatterns, precompiled.
	// Stored alongside cfg so evaluation never compiles on the hot path.
	compiled atomic.Value // holds []*regexp.Regexp
}

// NewEvaluator returns an Evaluator that fail-closes every evaluation until
// Reload is called with a non-nil Config.
func NewEvaluator() *Evaluator {
	e := &Evaluator{}
	e.cfg.Store((*Config)(nil))
	e.compiled.Store([]*regexp.Regexp(nil))
	return e
}

// Reload replaces the active configuration. A nil cfg is permitted and
// instantly transitions every subsequent evaluation to fail-close. In-flight
// evaluations that already loaded the prior snapshot run to completion
// against it; Go's GC keeps that value alive for as long as any goroutine
// holds a reference.
func (e *Evaluator) Reload(cfg *Config) {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	var compiled []*regexp.Regexp
	if cfg != nil {
		for _, src := range cfg.SqlRules.BlockPatterns {
			re, err := regexp.Compile("(?i)" + src)
			if err != nil {
				slog.Warn("policy: skipping invalid block pattern", "pattern", src, "error", err)
				continue
			}
			compiled = append(compiled, re)
		}
	}

	e.cfg.Store(cfg)
	e.compiled.Store(compiled)
}

func (e *Evaluator) load() (*Config, []*regexp.Regexp) {
	cfg, _ := e.cfg.Load().(*Config)
	compiled, _ := e.compiled.Load().([]*regexp.Regexp)
	return cfg, compiled
}

// Evaluate runs the ordered twelve-step pipeline. It only ever returns
// Block unless every step passes, and never panics.
func (e *Evaluator) Evaluate(q sqlclassify.Query, sess Session) Result {
	cfg, patterns := e.load()

	// 1. No config loaded.
	if cfg == nil {
		return blockResult("", "no-config")
	}

	// 2. Unknown command.
	if q.Command == sqlclassify.Unknown {
		return blockResult("", "unknown-command")
	}

	cmdName := q.Command.String()

	// 3. Blocked statement keyword.
	for _, stmt := range cfg.SqlRules.BlockStatements {
		if strings.EqualFold(stmt, cmdName) {
			return blockResult("", "block-statement")
		}
	}

	// 4. Blocked pattern match.
	for _, re := range patterns {
		if re.MatchString(q.RawSQL) {
			return blockResult("", "block-pattern")
		}
	}

	// 5. Find the first matching access rule.
	rule, ruleIdx := findAccessRule(cfg.AccessControl, sess)
	if ruleIdx == -1 {
		return blockResult("", "no-access-rule")
	}
	ruleID := ruleLabel(sess.User, ruleIdx)

	// 6. Blocked operation takes precedence over allowed.
	if containsFold(rule.BlockedOperations, cmdName) {
		return blockResult(ruleID, "blocked-operation")
	}

	// 7. Time restriction.
	if rule.TimeRestriction != nil {
		ok, err := withinTimeRestriction(*rule.TimeRestriction, time.Now())
		if err != nil || !ok {
			return blockResult(ruleID, "time-restriction")
		}
	}

	// 8. Allowed tables.
	if len(rule.AllowedTables) > 0 && !containsWildcardFold(rule.AllowedTables, "*") {
		for _, tbl := range q.Tables {
			if !containsFold(rule.AllowedTables, tbl) {
				return blockResult(ruleID, "table-denied")
			}
		}
	}

	// 9. Allowed operations.
	if len(rule.AllowedOperations) > 0 && !containsWildcardFold(rule.AllowedOperations, "*") {
		if !containsFold(rule.AllowedOperations, cmdName) {
			return blockResult(ruleID, "operation-denied")
		}
	}

	// 10. Procedure control.
	if res, blocked := e.evaluateProcedureControl(cfg.ProcedureControl, q, ruleID); blocked {
		return res
	}

	// 11. Schema access.
	if cfg.DataProtection.BlockSchemaAccess {
		for _, tbl := range q.Tables {
			schema, hasSchema := splitSchema(tbl)
			if hasSchema && restrictedSchemas[strings.ToLower(schema)] {
				return blockResult(ruleID, "schema-access")
			}
		}
	}

	// 12. Allow.
	return Result{Action: Allow, MatchedRule: ruleID, Reason: "access-rule:" + sess.User}
}

// EvaluateError converts a classifier/injection parse failure into a Block
// result. Parse failures never surface their internal message to the
// client; only a generic ERR packet does, constructed by the caller.
func (e *Evaluator) EvaluateError(parseErr error, sess Session) Result {
	msg := "parse failure"
	if parseErr != nil {
		msg = parseErr.Error()
	}
	return blockResult("", "parse-error: "+msg)
}

func findAccessRule(rules []AccessRule, sess Session) (AccessRule, int) {
	for i, r := range rules {
		if r.User != "*" && !strings.EqualFold(r.User, sess.User) {
			continue
		}
		if r.SourceIPCIDR != "" {
			_, ipnet, err := net.ParseCIDR(r.SourceIPCIDR)
			if err != nil {
				continue // malformed CIDR never matches: fail closed, not open
			}
			if sess.ClientIP == nil || !ipnet.Contains(sess.ClientIP) {
				continue
			}
		}
		return r, i
	}
	return AccessRule{}, -1
}

func ruleLabel(user string, idx int) string {
	return user + "#" + strconv.Itoa(idx)
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func containsWildcardFold(list []string, wildcard string) bool {
	for _, v := range list {
		if v == wildcard {
			return true
		}
	}
	return false
}

func splitSchema(table string) (schema string, ok bool) {
	idx := strings.IndexByte(table, '.')
	if idx < 0 {
		return "", false
	}
	return table[:idx], true
}

// withinTimeRestriction parses "HH:MM-HH:MM" (midnight crossing supported)
// in the restriction's IANA zone and checks the current time against it.
// Any parse failure or unavailable zone fails closed (returns false).
func withinTimeRestriction(tr TimeRestriction, now time.Time) (bool, error) {
	zone := tr.Zone
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false, err
	}

	parts := strings.SplitN(tr.AllowRange, "-", 2)
	if len(parts) != 2 {
		return false, errInvalidTimeRange
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return false, err
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return false, err
	}

	nowLocal := now.In(loc)
	cur := nowLocal.Hour()*60 + nowLocal.Minute()

	if start <= end {
		return cur >= start && cur <= end, nil
	}
	// midnight crossing, e.g. 22:00-06:00
	return cur >= start || cur <= end, nil
}

func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, errInvalidTimeRange
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, errInvalidTimeRange
	}
	return h*60 + m, nil
}
