package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// The classifier is a thin, replaceable keyword front end over the
// structured queries. It carries no correctness guarantees beyond mapping a
// recognised phrasing to the right structured call; anything unrecognised
// gets an explicit "unrecognised" report rather than a guess.

type queryKind int

const (
	queryUnknown queryKind = iota
	queryFreeze
	queryAgent
	queryTrace
	queryHealth
)

var (
	freezePattern = regexp.MustCompile(`(?i)\bwhy\b.*\b(is|was)\s+(\S+)\s+frozen\b`)
	agentPattern  = regexp.MustCompile(`(?i)\b(explain|about|who is|what is)\s+agent\s+(\S+)`)
	tracePattern  = regexp.MustCompile(`(?i)\btrace\s+(?:transaction\s+)?(\S+)`)
	healthWords   = []string{"health", "status", "summary", "how are things"}
)

// classify maps a free-text question to a structured query and its argument.
func classify(q string) (queryKind, string) {
	q = strings.TrimSpace(q)

	if m := freezePattern.FindStringSubmatch(q); m != nil {
		return queryFreeze, strings.Trim(m[2], `"'?.!`)
	}
	if m := agentPattern.FindStringSubmatch(q); m != nil {
		return queryAgent, strings.Trim(m[2], `"'?.!`)
	}
	if m := tracePattern.FindStringSubmatch(q); m != nil {
		return queryTrace, strings.Trim(m[1], `"'?.!`)
	}
	lower := strings.ToLower(q)
	for _, w := range healthWords {
		if strings.Contains(lower, w) {
			return queryHealth, ""
		}
	}
	return queryUnknown, ""
}

// Ask classifies a free-text question and routes it to the matching
// structured query.
func (o *Oracle) Ask(ctx context.Context, question string) (*Report, error) {
	kind, arg := classify(question)
	switch kind {
	case queryFreeze:
		return o.ExplainFreeze(ctx, arg)
	case queryAgent:
		return o.ExplainAgent(ctx, arg)
	case queryTrace:
		return o.TraceTransaction(ctx, arg)
	case queryHealth:
		return o.HealthSummary(ctx)
	default:
		return &Report{
			Query: "unrecognised",
			Narrative: fmt.Sprintf(
				"I could not map %q to a known query. Try: 'why is <agent> frozen', 'explain agent <id>', 'trace <tx-id>', or 'health'.",
				question,
			),
		}, nil
	}
}
