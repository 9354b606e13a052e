package petalboard

import (
	"strings"
	"testing"
)

func TestCompile_NoConnections_UsesStoredOrder(t *testing.T) {
	steps := []Step{
		{ID: "s2", AgentName: "Summarize", Order: 1},
		{ID: "s1", AgentName: "Fetch", Order: 0},
	}

	text, idx := Compile(steps, nil)

	want := "1. [Fetch] Use the Fetch agent\n2. [Summarize] Use the Summarize agent"
	if text != want {
		t.Errorf("Compile() = %q, want %q", text, want)
	}
	if idx["s1"] != 1 || idx["s2"] != 2 {
		t.Errorf("orderIndex = %v, want s1:1 s2:2", idx)
	}
}

func TestCompile_LinearChain(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Description: "first", Order: 0},
		{ID: "b", AgentName: "B", Description: "second", Order: 1},
		{ID: "c", AgentName: "C", Description: "third", Order: 2},
	}
	conns := []Connection{
		{ID: "e1", From: "a", To: "b"},
		{ID: "e2", From: "b", To: "c"},
	}

	text, idx := Compile(steps, conns)

	want := "1. [A] first\n2. [B] second\n3. [C] third"
	if text != want {
		t.Errorf("Compile() = %q, want %q", text, want)
	}
	if idx["a"] != 1 || idx["b"] != 2 || idx["c"] != 3 {
		t.Errorf("orderIndex = %v", idx)
	}
}

func TestCompile_FanOut_ParallelSiblings(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Order: 0},
		{ID: "b", AgentName: "B", Order: 1},
		{ID: "c", AgentName: "C", Order: 2},
	}
	conns := []Connection{
		{ID: "e1", From: "a", To: "b"},
		{ID: "e2", From: "a", To: "c"},
	}

	text, _ := Compile(steps, conns)

	lines := strings.Split(text, "\n")
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "1. [A]") {
		t.Errorf("lines[0] = %q, want prefix %q", lines[0], "1. [A]")
	}
	// Children share number 2, with sub-letters in edge-creation order.
	if !strings.HasPrefix(lines[1], "2a. [B]") {
		t.Errorf("lines[1] = %q, want prefix %q", lines[1], "2a. [B]")
	}
	if !strings.HasPrefix(lines[2], "2b. [C]") {
		t.Errorf("lines[2] = %q, want prefix %q", lines[2], "2b. [C]")
	}
}

func TestCompile_WideFanOut_LettersInEdgeOrder(t *testing.T) {
	steps := []Step{{ID: "root", AgentName: "Root", Order: 0}}
	var conns []Connection
	letters := []string{"a", "b", "c", "d", "e"}
	for i, l := range letters {
		id := "child-" + l
		steps = append(steps, Step{ID: id, AgentName: "W" + l, Order: i + 1})
		conns = append(conns, Connection{ID: "e" + l, From: "root", To: id})
	}

	text, _ := Compile(steps, conns)

	lines := strings.Split(text, "\n")
	if len(lines) != 6 {
		t.Fatalf("len(lines) = %d, want 6", len(lines))
	}
	for i, l := range letters {
		wantPrefix := "2" + l + ". [W" + l + "]"
		if !strings.HasPrefix(lines[i+1], wantPrefix) {
			t.Errorf("lines[%d] = %q, want prefix %q", i+1, lines[i+1], wantPrefix)
		}
	}
}

func TestCompile_ContinuesNumberingAfterParallelGroup(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Order: 0},
		{ID: "b", AgentName: "B", Order: 1},
		{ID: "c", AgentName: "C", Order: 2},
		{ID: "d", AgentName: "D", Order: 3},
	}
	conns := []Connection{
		{ID: "e1", From: "a", To: "b"},
		{ID: "e2", From: "a", To: "c"},
		{ID: "e3", From: "c", To: "d"},
	}

	text, _ := Compile(steps, conns)

	lines := strings.Split(text, "\n")
	if len(lines) != 4 {
		t.Fatalf("len(lines) = %d, want 4", len(lines))
	}
	if !strings.HasPrefix(lines[3], "3. [D]") {
		t.Errorf("lines[3] = %q, want sequential step numbered 3", lines[3])
	}
}

func TestCompile_MultipleRoots_ParallelAtLevelZero(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Order: 0},
		{ID: "b", AgentName: "B", Order: 1},
		{ID: "c", AgentName: "C", Order: 2},
	}
	conns := []Connection{
		{ID: "e1", From: "a", To: "c"},
		{ID: "e2", From: "b", To: "c"},
	}

	text, _ := Compile(steps, conns)

	lines := strings.Split(text, "\n")
	if !strings.HasPrefix(lines[0], "1a. [A]") || !strings.HasPrefix(lines[1], "1b. [B]") {
		t.Errorf("roots = %q, %q, want 1a/1b", lines[0], lines[1])
	}
	if !strings.HasPrefix(lines[2], "2. [C]") {
		t.Errorf("lines[2] = %q, want prefix %q", lines[2], "2. [C]")
	}
}

func TestCompile_DropsDisconnectedSteps(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Order: 0},
		{ID: "b", AgentName: "B", Order: 1},
		{ID: "lone", AgentName: "Lone", Order: 2},
	}
	conns := []Connection{{ID: "e1", From: "a", To: "b"}}

	text, idx := Compile(steps, conns)

	if strings.Contains(text, "Lone") {
		t.Errorf("disconnected step appeared in program: %q", text)
	}
	if _, ok := idx["lone"]; ok {
		t.Error("disconnected step should not be in order index")
	}
}

func TestCompile_Idempotent(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Order: 0},
		{ID: "b", AgentName: "B", Order: 1},
		{ID: "c", AgentName: "C", Order: 2},
	}
	conns := []Connection{
		{ID: "e1", From: "a", To: "b"},
		{ID: "e2", From: "a", To: "c"},
	}

	first, _ := Compile(steps, conns)
	second, _ := Compile(steps, conns)

	if first != second {
		t.Errorf("Compile not idempotent:\n%q\n%q", first, second)
	}
}

func TestCompile_CycleTerminates(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentName: "A", Order: 0},
		{ID: "b", AgentName: "B", Order: 1},
	}
	conns := []Connection{
		{ID: "e1", From: "a", To: "b"},
		{ID: "e2", From: "b", To: "a"},
	}

	text, idx := Compile(steps, conns)

	// Each node visited exactly once; ordering not meaningful but stable.
	if len(idx) != 2 {
		t.Errorf("len(orderIndex) = %d, want 2", len(idx))
	}
	if len(strings.Split(text, "\n")) != 2 {
		t.Errorf("cycle program = %q, want two lines", text)
	}
}

func TestCompile_DefaultDescriptionScenario(t *testing.T) {
	steps := []Step{
		{ID: "f", AgentName: "Fetch", Order: 0},
		{ID: "s", AgentName: "Summarize", Order: 1},
	}

	text, _ := Compile(steps, nil)

	want := "1. [Fetch] Use the Fetch agent\n2. [Summarize] Use the Summarize agent"
	if text != want {
		t.Errorf("Compile() = %q, want %q", text, want)
	}
}

func TestSubLetter(t *testing.T) {
	tests := []struct {
		i    int
		want string
	}{
		{0, "a"},
		{1, "b"},
		{25, "z"},
		{26, "aa"},
		{27, "ab"},
	}
	for _, tt := range tests {
		if got := subLetter(tt.i); got != tt.want {
			t.Errorf("subLetter(%d) = %q, want %q", tt.i, got, tt.want)
		}
	}
}
