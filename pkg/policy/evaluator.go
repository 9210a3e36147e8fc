package policy

import (
	"fmt"
	"sort"

	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Decision kinds.
const (
	KindAutoMerge       = "AUTO_MERGE"
	KindRequireApproval = "REQUIRE_APPROVAL"
	KindReject          = "REJECT"
)

// Decision is the outcome of evaluating the policy set for one run.
type Decision struct {
	Kind       string
	PolicyName string
	Approvers  []string
	Reason     string
}

// Context is the run snapshot policies evaluate against.
type Context struct {
	Repo            string
	Branch          string
	RiskLevel       lifecycle.RiskLevel
	RetryCount      int
	WorkerTypes     []string
	OverallResult   string
	TestsExisted    bool
	LinterPassed    bool
	TypecheckPassed bool
	TestsPassed     bool
}

func (c *Context) lookup(field string) (any, bool) {
	switch field {
	case "repo":
		return c.Repo, true
	case "branch":
		return c.Branch, true
	case "risk_level":
		return string(c.RiskLevel), true
	case "retry_count":
		return c.RetryCount, true
	case "worker_types":
		return c.WorkerTypes, true
	case "overall_result":
		return c.OverallResult, true
	case "tests_existed":
		return c.TestsExisted, true
	case "linter_passed":
		return c.LinterPassed, true
	case "typecheck_passed":
		return c.TypecheckPassed, true
	case "tests_passed":
		return c.TestsPassed, true
	}

	return nil, false
}

// Evaluator picks a merge decision for validated runs.
type Evaluator struct {
	log              logrus.FieldLogger
	defaultApprovers []string
}

// NewEvaluator creates an Evaluator. defaultApprovers is who gets
// asked when no policy matches.
func NewEvaluator(log logrus.FieldLogger, defaultApprovers []string) *Evaluator {
	return &Evaluator{
		log:              log.WithField("component", "policy"),
		defaultApprovers: defaultApprovers,
	}
}

// Decide evaluates the policy set in priority order and returns the
// decision of the first matching policy. Highest priority wins; names
// break ties so the order is deterministic regardless of input order.
// Policies that fail to parse or evaluate are skipped with a warning.
// No match means REQUIRE_APPROVAL, never AUTO_MERGE, and HIGH risk
// runs never auto-merge no matter what the matching policy says.
func (e *Evaluator) Decide(policies []store.Policy, runCtx Context) Decision {
	sorted := make([]store.Policy, len(policies))
	copy(sorted, policies)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}

		return sorted[i].Name < sorted[j].Name
	})

	for i := range sorted {
		p := &sorted[i]

		if !p.Enabled {
			continue
		}

		cond, err := ParseConditions(p.Conditions)
		if err != nil {
			e.log.WithError(err).WithField("policy", p.Name).
				Warn("Skipping policy with malformed conditions")

			continue
		}

		matched, err := Evaluate(cond, runCtx)
		if err != nil {
			e.log.WithError(err).WithField("policy", p.Name).
				Warn("Skipping policy that failed to evaluate")

			continue
		}

		if !matched {
			continue
		}

		decision, err := e.decisionFor(p, runCtx)
		if err != nil {
			e.log.WithError(err).WithField("policy", p.Name).
				Warn("Skipping policy with malformed approvers")

			continue
		}

		return decision
	}

	return Decision{
		Kind:      KindRequireApproval,
		Approvers: e.defaultApprovers,
		Reason:    "no merge policy matched",
	}
}

func (e *Evaluator) decisionFor(p *store.Policy, runCtx Context) (Decision, error) {
	approvers, err := p.ApproverList()
	if err != nil {
		return Decision{}, err
	}

	// A non-empty approver list supersedes auto_merge_allowed.
	if len(approvers) > 0 {
		return Decision{
			Kind:       KindRequireApproval,
			PolicyName: p.Name,
			Approvers:  approvers,
			Reason:     fmt.Sprintf("policy %s requires approval", p.Name),
		}, nil
	}

	if !p.AutoMergeAllowed {
		return Decision{
			Kind:       KindReject,
			PolicyName: p.Name,
			Reason:     fmt.Sprintf("policy %s does not allow auto-merge", p.Name),
		}, nil
	}

	if runCtx.RiskLevel == lifecycle.RiskHigh {
		return Decision{
			Kind:       KindRequireApproval,
			PolicyName: p.Name,
			Approvers:  e.defaultApprovers,
			Reason:     "high risk runs always need approval",
		}, nil
	}

	return Decision{
		Kind:       KindAutoMerge,
		PolicyName: p.Name,
		Reason:     fmt.Sprintf("policy %s allows auto-merge", p.Name),
	}, nil
}
