package policy

import (
	"net"
	"testing"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/sqlclassify"
)

func baseConfig() *Config {
	return &Config{
		AccessControl: []AccessRule{
			{
				User:              "alice",
				AllowedTables:     []string{"orders", "customers"},
				AllowedOperations: []string{"SELECT", "INSERT"},
			},
		},
		SqlRules: SqlRule{
			BlockPatterns: []string{`DROP\s+TABLE`},
		},
	}
}

func TestEvaluateNoConfigBlocks(t *testing.T) {
	e := NewEvaluator()
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "no-config" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateUnknownCommandBlocks(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Unknown}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "unknown-command" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateAllowsWithinRule(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}}, Session{User: "alice"})
	if res.Action != Allow {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateBlocksTableNotAllowed(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"secrets"}}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "table-denied" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateBlocksOperationNotAllowed(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Delete, Tables: []string{"orders"}}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "operation-denied" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateBlocksPatternMatch(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Drop, RawSQL: "DROP TABLE orders"}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "block-pattern" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateNoMatchingAccessRuleBlocks(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}}, Session{User: "mallory"})
	if res.Action != Block || res.Reason != "no-access-rule" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateBlockedOperationTakesPrecedence(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].AllowedOperations = []string{"*"}
	cfg.AccessControl[0].BlockedOperations = []string{"SELECT"}
	e := NewEvaluator()
	e.Reload(cfg)
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "blocked-operation" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateSourceIPCIDR(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].SourceIPCIDR = "10.0.0.0/24"
	e := NewEvaluator()
	e.Reload(cfg)

	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}},
		Session{User: "alice", ClientIP: net.ParseIP("10.0.0.5")})
	if res.Action != Allow {
		t.Errorf("in-CIDR: got %+v", res)
	}

	res = e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}},
		Session{User: "alice", ClientIP: net.ParseIP("192.168.1.5")})
	if res.Action != Block || res.Reason != "no-access-rule" {
		t.Errorf("out-of-CIDR: got %+v", res)
	}
}

func TestEvaluateMalformedCIDRNeverMatches(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].SourceIPCIDR = "not-a-cidr"
	e := NewEvaluator()
	e.Reload(cfg)
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}},
		Session{User: "alice", ClientIP: net.ParseIP("10.0.0.5")})
	if res.Action != Block || res.Reason != "no-access-rule" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateSchemaAccessBlocked(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].AllowedTables = nil
	cfg.DataProtection.BlockSchemaAccess = true
	e := NewEvaluator()
	e.Reload(cfg)
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"information_schema.tables"}}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "schema-access" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateProcedureWhitelist(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].AllowedOperations = []string{"*"}
	cfg.AccessControl[0].AllowedTables = []string{"*"}
	cfg.ProcedureControl = ProcedureControl{Mode: "whitelist", List: []string{"safe_proc"}}
	e := NewEvaluator()
	e.Reload(cfg)

	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Call, Tables: []string{"safe_proc"}}, Session{User: "alice"})
	if res.Action != Allow {
		t.Errorf("whitelisted: got %+v", res)
	}

	res = e.Evaluate(sqlclassify.Query{Command: sqlclassify.Call, Tables: []string{"other_proc"}}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "procedure-whitelist" {
		t.Errorf("not whitelisted: got %+v", res)
	}
}

func TestEvaluateProcedureWhitelistDrivenByRealClassifier(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].AllowedOperations = []string{"*"}
	cfg.AccessControl[0].AllowedTables = []string{"*"}
	cfg.ProcedureControl = ProcedureControl{Mode: "whitelist", List: []string{"safe_proc"}}
	e := NewEvaluator()
	e.Reload(cfg)

	allowed, perr := sqlclassify.Classify("CALL safe_proc()")
	if perr != nil {
		t.Fatalf("classify: %v", perr)
	}
	res := e.Evaluate(allowed, Session{User: "alice"})
	if res.Action != Allow {
		t.Errorf("whitelisted real CALL: got %+v", res)
	}

	blocked, perr := sqlclassify.Classify("CALL other_proc()")
	if perr != nil {
		t.Fatalf("classify: %v", perr)
	}
	res = e.Evaluate(blocked, Session{User: "alice"})
	if res.Action != Block || res.Reason != "procedure-whitelist" {
		t.Errorf("non-whitelisted real CALL: got %+v", res)
	}
}

func TestEvaluateProcedureDynamicSQLBlocked(t *testing.T) {
	cfg := baseConfig()
	cfg.AccessControl[0].AllowedOperations = []string{"*"}
	cfg.ProcedureControl.BlockDynamicSQL = true
	e := NewEvaluator()
	e.Reload(cfg)
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Prepare}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "procedure-dynamic-sql" {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluateErrorNilErrorUsesGenericReason(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.EvaluateError(nil, Session{User: "alice"})
	if res.Action != Block || res.Reason != "parse-error: parse failure" {
		t.Fatalf("got %+v", res)
	}
}

func TestReloadNilFailsClosed(t *testing.T) {
	e := NewEvaluator()
	e.Reload(baseConfig())
	res := e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}}, Session{User: "alice"})
	if res.Action != Allow {
		t.Fatalf("setup failed: %+v", res)
	}

	e.Reload(nil)
	res = e.Evaluate(sqlclassify.Query{Command: sqlclassify.Select, Tables: []string{"orders"}}, Session{User: "alice"})
	if res.Action != Block || res.Reason != "no-config" {
		t.Fatalf("after reload(nil): got %+v", res)
	}
}

func TestTimeRestrictionMidnightCrossing(t *testing.T) {
	tr := TimeRestriction{AllowRange: "22:00-06:00", Zone: "UTC"}
	ok, err := withinTimeRestriction(tr, mustTime(t, "2026-01-01T23:00:00Z"))
	if err != nil || !ok {
		t.Errorf("23:00 within 22:00-06:00: got ok=%v err=%v", ok, err)
	}
	ok, err = withinTimeRestriction(tr, mustTime(t, "2026-01-01T12:00:00Z"))
	if err != nil || ok {
		t.Errorf("noon within 22:00-06:00: got ok=%v err=%v", ok, err)
	}
}

func TestTimeRestrictionInvalidRangeFailsClosed(t *testing.T) {
	tr := TimeRestriction{AllowRange: "garbage", Zone: "UTC"}
	_, err := withinTimeRestriction(tr, mustTime(t, "2026-01-01T12:00:00Z"))
	if err == nil {
		t.Fatal("expected error for unparseable range")
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test time %q: %v", s, err)
	}
	return v
}
