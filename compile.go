package petalboard

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultDescription is the instruction text used for a step whose
// description is empty. The exact wording is part of the program wire
// format consumed by the orchestrator.
func DefaultDescription(agentName string) string {
	return "Use the " + agentName + " agent"
}

// programEntry is one numbered line of the compiled program.
type programEntry struct {
	stepID string
	number int
	letter string // empty for purely sequential steps
}

// queueItem is a pending traversal entry. Siblings fanning out from the same
// step share a number and are distinguished by sub-letters.
type queueItem struct {
	stepID string
	number int
	letter string
}

// Compile turns a board graph into linear program text plus a step-ID to
// sequence-number index. It is pure and deterministic: the same graph always
// yields byte-identical text. Runs in O(V+E).
//
// With no connections, steps are emitted in ascending Order, numbered 1..N.
// With connections, only steps that participate in at least one connection
// are emitted (workflow.Validate flags the dropped ones); traversal is
// breadth-first from the root steps (connected steps with no incoming edge).
// When a step fans out to several children, each child receives the parent's
// number plus one and a distinct sub-letter in edge-creation order; multiple
// roots form the same kind of parallel group at number 1. Each step is
// visited at most once, which also bounds traversal on cyclic graphs.
//
// Each line renders as "{number}{subLetter}. [{agentName}] {description}",
// with DefaultDescription filling in empty descriptions. The order index is
// the 1-based position of each step in the final sorted sequence, used for
// UI badges only.
func Compile(steps []Step, conns []Connection) (string, map[string]int) {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	var entries []programEntry
	if len(conns) == 0 {
		ordered := make([]Step, len(steps))
		copy(ordered, steps)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
		for i, s := range ordered {
			entries = append(entries, programEntry{stepID: s.ID, number: i + 1})
		}
	} else {
		entries = traverse(steps, conns, byID)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].number != entries[j].number {
			return entries[i].number < entries[j].number
		}
		return entries[i].letter < entries[j].letter
	})

	lines := make([]string, 0, len(entries))
	orderIndex := make(map[string]int, len(entries))
	for i, e := range entries {
		s := byID[e.stepID]
		desc := s.Description
		if desc == "" {
			desc = DefaultDescription(s.AgentName)
		}
		lines = append(lines, fmt.Sprintf("%d%s. [%s] %s", e.number, e.letter, s.AgentName, desc))
		orderIndex[e.stepID] = i + 1
	}

	return strings.Join(lines, "\n"), orderIndex
}

// traverse walks the connected subgraph breadth-first from its roots and
// assigns (number, subLetter) pairs.
func traverse(steps []Step, conns []Connection, byID map[string]Step) []programEntry {
	connected := make(map[string]bool, len(steps))
	incoming := make(map[string]int, len(steps))
	outgoing := make(map[string][]string, len(steps))
	for _, c := range conns {
		// Connections referencing deleted steps cannot occur if cascade
		// delete holds; skip defensively rather than panic.
		if _, ok := byID[c.From]; !ok {
			continue
		}
		if _, ok := byID[c.To]; !ok {
			continue
		}
		connected[c.From] = true
		connected[c.To] = true
		incoming[c.To]++
		outgoing[c.From] = append(outgoing[c.From], c.To)
	}

	var roots []Step
	for _, s := range steps {
		if connected[s.ID] && incoming[s.ID] == 0 {
			roots = append(roots, s)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].Order < roots[j].Order })

	// A fully cyclic cluster has no root; pick the lowest-order connected
	// step so traversal still terminates with every step visited once.
	if len(roots) == 0 {
		var fallback *Step
		for i := range steps {
			if !connected[steps[i].ID] {
				continue
			}
			if fallback == nil || steps[i].Order < fallback.Order {
				fallback = &steps[i]
			}
		}
		if fallback == nil {
			return nil
		}
		roots = []Step{*fallback}
	}

	queue := make([]queueItem, 0, len(roots))
	if len(roots) == 1 {
		queue = append(queue, queueItem{stepID: roots[0].ID, number: 1})
	} else {
		for i, r := range roots {
			queue = append(queue, queueItem{stepID: r.ID, number: 1, letter: subLetter(i)})
		}
	}

	visited := make(map[string]bool, len(steps))
	var entries []programEntry
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if visited[item.stepID] {
			continue
		}
		visited[item.stepID] = true
		entries = append(entries, programEntry{stepID: item.stepID, number: item.number, letter: item.letter})

		children := outgoing[item.stepID]
		switch {
		case len(children) == 1:
			queue = append(queue, queueItem{stepID: children[0], number: item.number + 1})
		case len(children) > 1:
			for i, child := range children {
				queue = append(queue, queueItem{stepID: child, number: item.number + 1, letter: subLetter(i)})
			}
		}
	}

	return entries
}

// subLetter returns the sub-letter for the i-th member of a parallel sibling
// group: a..z, then aa, ab, ... for absurdly wide fan-outs.
func subLetter(i int) string {
	var b []byte
	for {
		b = append([]byte{byte('a' + i%26)}, b...)
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	return string(b)
}
