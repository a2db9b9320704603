package patternmatch

import "testing"

func TestMatchExact(t *testing.T) {
	if !Match("agent-a", "agent-a") {
		t.Fatal("expected exact match")
	}
	if Match("agent-a", "agent-b") {
		t.Fatal("expected no match for distinct targets")
	}
}

func TestMatchGlob(t *testing.T) {
	if !Match("agent-123", "agent-*") {
		t.Fatal("expected glob match")
	}
}

func TestMatchHierarchicalDoubleStarSuffix(t *testing.T) {
	cases := []string{"a", "a.b", "a.b.c"}
	for _, target := range cases {
		if !Match(target, "a.**") {
			t.Errorf("expected a.** to match %q", target)
		}
	}
	if Match("b.a", "a.**") {
		t.Fatal("expected a.** not to match b.a")
	}
}

func TestMatchHierarchicalSingleStarOneSegment(t *testing.T) {
	if !Match("a.b", "a.*") {
		t.Fatal("expected a.* to match a.b")
	}
	if Match("a.b.c", "a.*") {
		t.Fatal("expected a.* not to match a.b.c")
	}
	if Match("a", "a.*") {
		t.Fatal("expected a.* not to match bare a")
	}
}

func TestMatchesBroadcastShortcuts(t *testing.T) {
	if !MatchesBroadcast("*") || !MatchesBroadcast("broadcast:*") {
		t.Fatal("expected broadcast shortcuts recognized")
	}
	if MatchesBroadcast("agent-*") {
		t.Fatal("expected ordinary glob not treated as broadcast shortcut")
	}
}
