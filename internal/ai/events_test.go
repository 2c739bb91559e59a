package ai

import "testing"

func TestCoalesce_TextDeltaThenTextDelta(t *testing.T) {
	t.Parallel()

	a := TextDelta("he")
	b := TextDelta("llo")
	merged, ok := coalesce(a, b)
	if !ok {
		t.Fatalf("expected coalesce to succeed")
	}
	if merged.TextDelta.Content != "hello" {
		t.Fatalf("got=%q want=hello", merged.TextDelta.Content)
	}
}

func TestCoalesce_ActionOutputDeltaRequiresSameActionAndStream(t *testing.T) {
	t.Parallel()

	a := ActionOutputDelta("a1", StreamStdout, "one")
	b := ActionOutputDelta("a1", StreamStderr, "two")
	if _, ok := coalesce(a, b); ok {
		t.Fatalf("expected no coalesce across differing streams")
	}

	c := ActionOutputDelta("a2", StreamStdout, "two")
	if _, ok := coalesce(a, c); ok {
		t.Fatalf("expected no coalesce across differing action ids")
	}

	d := ActionOutputDelta("a1", StreamStdout, "two")
	merged, ok := coalesce(a, d)
	if !ok || merged.ActionOutputDelta.Content != "onetwo" {
		t.Fatalf("expected merge onetwo, got %+v ok=%v", merged, ok)
	}
}

func TestCoalesce_NonMatchingKindsDoNotMerge(t *testing.T) {
	t.Parallel()

	if _, ok := coalesce(TextDelta("a"), ThinkingDelta("b")); ok {
		t.Fatalf("expected no coalesce across kinds")
	}
}

func TestIsCoalescable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		e    EngineEvent
		want bool
	}{
		{TextDelta("x"), true},
		{ThinkingDelta("x"), true},
		{ActionOutputDelta("a", StreamStdout, "x"), true},
		{TurnStarted(), false},
		{NewErrorEvent("x", true), false},
	}
	for _, c := range cases {
		if got := isCoalescable(c.e); got != c.want {
			t.Fatalf("isCoalescable(%s) got=%v want=%v", c.e.Kind, got, c.want)
		}
	}
}

func TestUsageLimitsSnapshot_MergeOnlyChangedFields(t *testing.T) {
	t.Parallel()

	remaining := int64(100)
	start := UsageLimitsSnapshot{RateLimitRemaining: &remaining}

	same := int64(100)
	merged, changed := start.Merge(UsageLimitsSnapshot{RateLimitRemaining: &same})
	if changed {
		t.Fatalf("expected no change when value is identical")
	}
	_ = merged

	next := int64(50)
	merged, changed = start.Merge(UsageLimitsSnapshot{RateLimitRemaining: &next})
	if !changed || *merged.RateLimitRemaining != 50 {
		t.Fatalf("expected change to 50, got %+v changed=%v", merged, changed)
	}
}

func TestMarshalUnmarshalBlocks_RoundTrip(t *testing.T) {
	t.Parallel()

	blocks := []ContentBlock{
		{Kind: BlockText, Text: &TextBlock{Content: "hello"}},
		{Kind: BlockAction, Action: &ActionBlock{ActionID: "a1", Status: ActionRunning, ActionType: ActionCommand, Summary: "ls"}},
	}
	raw, err := MarshalBlocks(blocks)
	if err != nil {
		t.Fatalf("MarshalBlocks: %v", err)
	}
	got, err := UnmarshalBlocks(raw)
	if err != nil {
		t.Fatalf("UnmarshalBlocks: %v", err)
	}
	if len(got) != 2 || got[0].Text.Content != "hello" || got[1].Action.ActionID != "a1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
