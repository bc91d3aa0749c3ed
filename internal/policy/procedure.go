package policy

import (
	"errors"
	"strings"

	"github.com/sqlwarden/sqlwarden/internal/sqlclassify"
)

var errInvalidTimeRange = errors.New("policy: invalid time restriction range")

// evaluateProcedureControl implements pipeline step 10: procedure-related
// blocks for Call/Prepare/Execute/Create/Alter.
func (e *Evaluator) evaluateProcedureControl(pc ProcedureControl, q sqlclassify.Query, ruleID string) (Result, bool) {
	switch q.Command {
	case sqlclassify.Prepare, sqlclassify.Execute:
		if pc.BlockDynamicSQL {
			return blockResult(ruleID, "procedure-dynamic-sql"), true
		}

	case sqlclassify.Call:
		name := firstTableOrEmpty(q)
		whitelist := !strings.EqualFold(pc.Mode, "blacklist")
		listed := containsFold(pc.List, name)
		if whitelist && !listed {
			return blockResult(ruleID, "procedure-whitelist"), true
		}
		if !whitelist && listed {
			return blockResult(ruleID, "procedure-blacklist"), true
		}

	case sqlclassify.Create, sqlclassify.Alter:
		if pc.BlockCreateAlter {
			return blockResult(ruleID, "procedure-create-alter"), true
		}
	}

	return Result{}, false
}

func firstTableOrEmpty(q sqlclassify.Query) string {
	if len(q.Tables) == 0 {
		return ""
	}
	return q.Tables[0]
}
