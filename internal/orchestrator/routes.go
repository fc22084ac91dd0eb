// Package orchestrator ties the turn-handling pieces together: intent
// classification, flow advancement, retrieval, route selection and
// answer composition.
package orchestrator

import (
	"fmt"

	"github.com/fixwise/fixwise/internal/knowledge"
	"github.com/fixwise/fixwise/internal/retrieval"
)

// Route selects the answering strategy for a turn.
type Route string

const (
	// RouteDirect answers from retrieved atoms with citations.
	RouteDirect Route = "A"
	// RouteCaveated answers but flags the thin evidence and asks a
	// narrowing question.
	RouteCaveated Route = "B"
	// RouteClarify declines to answer and asks for more detail.
	RouteClarify Route = "C"
	// RouteCollaborative escalates: the question spans domains or
	// touches hazardous work, so the answer defers to a human expert.
	RouteCollaborative Route = "D"
)

// Thresholds configure route selection.
type Thresholds struct {
	// DirectAnswer is the minimum confidence for route A.
	DirectAnswer float64
	// Clarify is the minimum confidence for route B; below it the turn
	// takes route C.
	Clarify float64
}

// Decision records which route a turn took and why. The trace is for
// logs and the operational surface, never shown to the user verbatim.
type Decision struct {
	Route          Route
	Confidence     float64
	Coverage       retrieval.Coverage
	SafetyCritical bool
	MultiDomain    bool
	Trace          []string
}

// decide maps a retrieval result to a route. Safety and multi-domain
// checks run first: they force route D regardless of confidence.
func decide(th Thresholds, res *retrieval.Result) Decision {
	d := Decision{
		Confidence: res.TopScore(),
		Coverage:   res.Coverage,
	}
	d.trace("coverage=%s top_score=%.2f degraded=%t", res.Coverage, d.Confidence, res.Degraded)

	if d.SafetyCritical = hasHazardousHit(res.Hits); d.SafetyCritical {
		d.Route = RouteCollaborative
		d.trace("hazardous atom in candidates, forcing collaborative route")
		return d
	}
	if d.MultiDomain = spansDomains(res.Hits); d.MultiDomain {
		d.Route = RouteCollaborative
		d.trace("candidates span multiple domains, forcing collaborative route")
		return d
	}

	switch {
	case d.Confidence >= th.DirectAnswer:
		d.Route = RouteDirect
		d.trace("confidence %.2f >= %.2f, answering directly", d.Confidence, th.DirectAnswer)
	case d.Confidence >= th.Clarify && res.Coverage != retrieval.CoverageNone:
		d.Route = RouteCaveated
		d.trace("confidence %.2f >= %.2f, answering with caveats", d.Confidence, th.Clarify)
	default:
		d.Route = RouteClarify
		d.trace("confidence %.2f below %.2f, asking for clarification", d.Confidence, th.Clarify)
	}
	return d
}

func (d *Decision) trace(format string, args ...any) {
	d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
}

func hasHazardousHit(hits []retrieval.Hit) bool {
	for _, h := range hits {
		if h.Atom.SafetyLevel == knowledge.SafetyHazardous {
			return true
		}
	}
	return false
}

// spansDomains reports whether the strongest candidates disagree on
// category. Only hits within 0.1 of the top score vote, so a weak tail
// of unrelated atoms cannot force escalation.
func spansDomains(hits []retrieval.Hit) bool {
	if len(hits) < 2 {
		return false
	}
	top := hits[0].Score
	first := ""
	for _, h := range hits {
		if top-h.Score > 0.1 {
			break
		}
		cat := h.Atom.Category
		if cat == knowledge.CategoryGeneral {
			continue
		}
		if first == "" {
			first = cat
			continue
		}
		if cat != first {
			return true
		}
	}
	return false
}
