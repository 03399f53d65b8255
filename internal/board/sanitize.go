package board

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Edge prune reasons. Every removed dependency edge carries exactly one.
const (
	ReasonDeadRef    = "DEAD_REF"
	ReasonDocBlocker = "DOC_BLOCKER"
	ReasonNoOverlap  = "NO_OVERLAP"
)

// ScopeMeta is the per-issue scope record inside a sprint plan.
type ScopeMeta struct {
	DependsOn     []int    `json:"depends_on"`
	OwnsPaths     []string `json:"owns_paths"`
	TouchPaths    []string `json:"touch_paths"`
	ConflictsWith []string `json:"conflicts_with,omitempty"`
	GroupID       string   `json:"group_id,omitempty"`
	IsolationMode string   `json:"isolation_mode,omitempty"`
}

func (m *ScopeMeta) clone() *ScopeMeta {
	if m == nil {
		return &ScopeMeta{}
	}
	cloned := *m
	cloned.DependsOn = append([]int(nil), m.DependsOn...)
	cloned.OwnsPaths = append([]string(nil), m.OwnsPaths...)
	cloned.TouchPaths = append([]string(nil), m.TouchPaths...)
	cloned.ConflictsWith = append([]string(nil), m.ConflictsWith...)
	return &cloned
}

// docOnly reports whether every touch path is documentation. An empty touch
// list is not doc-only.
func (m *ScopeMeta) docOnly() bool {
	if len(m.TouchPaths) == 0 {
		return false
	}
	for _, path := range m.TouchPaths {
		if !isDocPath(path) {
			return false
		}
	}
	return true
}

func (m *ScopeMeta) normalizedOwns() []string {
	var normalized []string
	for _, entry := range m.OwnsPaths {
		if path := NormalizeScopePath(entry); path != "" {
			normalized = append(normalized, path)
		}
	}
	return normalized
}

// ScopePlan maps issue number to its scope record.
type ScopePlan map[int]*ScopeMeta

func (p ScopePlan) clone() ScopePlan {
	cloned := make(ScopePlan, len(p))
	for issue, meta := range p {
		cloned[issue] = meta.clone()
	}
	return cloned
}

func (p ScopePlan) sortedIssues() []int {
	issues := make([]int, 0, len(p))
	for issue := range p {
		issues = append(issues, issue)
	}
	sort.Ints(issues)
	return issues
}

// DroppedEdge records one pruned dependency edge.
type DroppedEdge struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason"`
}

// SanitizeReport summarizes one sanitization pass.
type SanitizeReport struct {
	DroppedEdges []DroppedEdge `json:"droppedEdges"`
	Cycles       [][]int       `json:"cycles"`
}

// CycleError reports dependency cycles that survived pruning.
type CycleError struct {
	Cycles [][]int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency graph contains cycle(s): %v", e.Cycles)
}

// RegenExhaustedError means the bounded regeneration loop ran out of
// attempts. Maps to exit code 5.
type RegenExhaustedError struct {
	History []map[string]any
}

func (e *RegenExhaustedError) Error() string {
	return "dependency graph regeneration exhausted"
}

// RegenHandoffError means a planner regeneration request sidecar was
// written. Maps to exit code 6.
type RegenHandoffError struct {
	History     []map[string]any
	RequestPath string
}

func (e *RegenHandoffError) Error() string {
	return "planner regeneration handoff requested"
}

// CycleManualFixError is raised when regeneration is disabled entirely.
// Maps to exit code 3.
type CycleManualFixError struct {
	Cycles [][]int
}

func (e *CycleManualFixError) Error() string {
	return "dependency graph contains cycle(s); manual fix required"
}

// SanitizeGraph prunes dependency edges that cannot express a real write
// ordering, then detects remaining cycles. depends_on exists only to
// sequence writers that share ownership; ordering-only edges are dropped.
func SanitizeGraph(plan ScopePlan) (ScopePlan, *SanitizeReport, *CycleError) {
	report := &SanitizeReport{DroppedEdges: []DroppedEdge{}}
	sanitized := make(ScopePlan, len(plan))

	docOnly := make(map[int]bool, len(plan))
	for issue, meta := range plan {
		docOnly[issue] = meta.docOnly()
	}

	for _, issue := range plan.sortedIssues() {
		meta := plan[issue]
		next := meta.clone()
		currentOwns := meta.normalizedOwns()
		currentDocOnly := docOnly[issue]

		var kept []int
		for _, dep := range meta.DependsOn {
			depMeta, present := plan[dep]
			if !present || depMeta == nil {
				report.DroppedEdges = append(report.DroppedEdges, DroppedEdge{From: issue, To: dep, Reason: ReasonDeadRef})
				continue
			}
			if docOnly[dep] && !currentDocOnly {
				report.DroppedEdges = append(report.DroppedEdges, DroppedEdge{From: issue, To: dep, Reason: ReasonDocBlocker})
				continue
			}
			depOwns := depMeta.normalizedOwns()
			if len(currentOwns) > 0 && len(depOwns) > 0 && !anyOverlap(currentOwns, depOwns) {
				report.DroppedEdges = append(report.DroppedEdges, DroppedEdge{From: issue, To: dep, Reason: ReasonNoOverlap})
				continue
			}
			kept = append(kept, dep)
		}
		next.DependsOn = kept
		sanitized[issue] = next
	}

	cycles := DetectCycles(sanitized)
	report.Cycles = cycles
	if len(cycles) > 0 {
		return sanitized, report, &CycleError{Cycles: cycles}
	}
	return sanitized, report, nil
}

func anyOverlap(left, right []string) bool {
	for _, a := range left {
		for _, b := range right {
			if PathsOverlap(a, b) {
				return true
			}
		}
	}
	return false
}

// DetectCycles runs Tarjan's strongly-connected-components algorithm over
// the dependency graph and returns every SCC of size >1 plus self-loops,
// sorted for determinism.
func DetectCycles(plan ScopePlan) [][]int {
	issues := plan.sortedIssues()
	adjacency := make(map[int][]int, len(issues))
	for _, issue := range issues {
		var deps []int
		for _, dep := range plan[issue].DependsOn {
			if _, present := plan[dep]; present {
				deps = append(deps, dep)
			}
		}
		adjacency[issue] = deps
	}

	index := 0
	indexByIssue := map[int]int{}
	lowlink := map[int]int{}
	onStack := map[int]bool{}
	var stack []int
	var components [][]int

	var strongConnect func(issue int)
	strongConnect = func(issue int) {
		indexByIssue[issue] = index
		lowlink[issue] = index
		index++
		stack = append(stack, issue)
		onStack[issue] = true

		for _, dep := range adjacency[issue] {
			if _, visited := indexByIssue[dep]; !visited {
				strongConnect(dep)
				if lowlink[dep] < lowlink[issue] {
					lowlink[issue] = lowlink[dep]
				}
			} else if onStack[dep] && indexByIssue[dep] < lowlink[issue] {
				lowlink[issue] = indexByIssue[dep]
			}
		}

		if lowlink[issue] != indexByIssue[issue] {
			return
		}
		var component []int
		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[current] = false
			component = append(component, current)
			if current == issue {
				break
			}
		}
		sort.Ints(component)
		components = append(components, component)
	}

	for _, issue := range issues {
		if _, visited := indexByIssue[issue]; !visited {
			strongConnect(issue)
		}
	}

	var cycles [][]int
	for _, component := range components {
		if len(component) > 1 {
			cycles = append(cycles, component)
			continue
		}
		issue := component[0]
		for _, dep := range adjacency[issue] {
			if dep == issue {
				cycles = append(cycles, component)
				break
			}
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// ParseScopeMeta projects a dynamic scope object into a typed record.
// Numeric depends_on entries are coerced to ints; anything else is ignored.
func ParseScopeMeta(raw map[string]any) *ScopeMeta {
	meta := &ScopeMeta{}
	if deps, ok := raw["depends_on"].([]any); ok {
		for _, dep := range deps {
			if n, ok := toInt(dep); ok {
				meta.DependsOn = append(meta.DependsOn, n)
			}
		}
	}
	meta.OwnsPaths = stringList(raw["owns_paths"])
	meta.TouchPaths = stringList(raw["touch_paths"])
	meta.ConflictsWith = stringList(raw["conflicts_with"])
	if group, ok := raw["group_id"].(string); ok {
		meta.GroupID = group
	}
	if mode, ok := raw["isolation_mode"].(string); ok {
		meta.IsolationMode = mode
	}
	return meta
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
