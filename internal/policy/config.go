// Package policy evaluates classified, injection-scanned queries against a
// hot-reloadable access-control configuration, fail-closing on every
// ambiguous path.
package policy

import "time"

// Action is the tagged outcome of an evaluation.
type Action int

const (
	Block Action = iota
	Allow
	Log
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Log:
		return "log"
	default:
		return "block"
	}
}

// Result is the default-Block outcome of Evaluate/EvaluateError.
type Result struct {
	Action      Action
	MatchedRule string
	Reason      string
}

// blockResult is a convenience constructor; the zero Result is already Block,
// but naming the reason is mandatory at every call site.
func blockResult(rule, reason string) Result {
	return Result{Action: Block, MatchedRule: rule, Reason: reason}
}

// Global holds process-wide policy options.
type Global struct {
	LogLevel         string        `yaml:"log_level"`
	MaxConnections   int           `yaml:"max_connections"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

// TimeRestriction bounds a rule to a daily HH:MM-HH:MM window (midnight
// crossing supported) in an IANA time zone.
type TimeRestriction struct {
	AllowRange string `yaml:"allow"`
	Zone       string `yaml:"zone"`
}

// AccessRule matches a session by user and optionally by client source IP,
// then bounds what that session may do.
type AccessRule struct {
	User              string           `yaml:"user"`
	SourceIPCIDR      string           `yaml:"source_ip_cidr"`
	AllowedTables     []string         `yaml:"allowed_tables"`
	AllowedOperations []string         `yaml:"allowed_operations"`
	BlockedOperations []string         `yaml:"blocked_operations"`
	TimeRestriction   *TimeRestriction `yaml:"time_restriction"`
}

// SqlRule holds statement-level and pattern-level blocks applied before any
// access rule is consulted.
type SqlRule struct {
	BlockStatements []string `yaml:"block_statements"`
	BlockPatterns   []string `yaml:"block_patterns"`
}

// ProcedureControl governs CALL/PREPARE/EXECUTE/CREATE/ALTER.
type ProcedureControl struct {
	Mode            string   `yaml:"mode"` // "whitelist" (default) or "blacklist"
	List            []string `yaml:"list"`
	BlockDynamicSQL bool     `yaml:"block_dynamic_sql"`
	BlockCreateAlter bool    `yaml:"block_create_alter"`
}

// DataProtection governs schema-level exposure.
type DataProtection struct {
	BlockSchemaAccess bool `yaml:"block_schema_access"`
	MaxResultRows     int  `yaml:"max_result_rows"`
}

// Config is the immutable root of the rule tree. A zero-value Config (as
// observed through a nil atomic.Value) always evaluates to Block.
type Config struct {
	Global           Global
	AccessControl    []AccessRule
	SqlRules         SqlRule
	ProcedureControl ProcedureControl
	DataProtection   DataProtection
}

// restrictedSchemas are blocked under DataProtection.BlockSchemaAccess
// regardless of any access rule's allowed_tables.
var restrictedSchemas = map[string]bool{
	"information_schema": true,
	"mysql":               true,
	"performance_schema":  true,
	"sys":                 true,
}
