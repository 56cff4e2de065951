package intent

import "testing"

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	items := []ActionItem{
		{Description: "send the report", Assignee: "Maria", DueDate: "2026-10-16", Priority: PriorityHigh, Confidence: 0.6},
		{Confidence: 0.75},
	}
	want := "### User message (English)\nplease send the report\n\n" +
		"### Extracted action items\n" +
		"1. send the report [owner: Maria; due: 2026-10-16; priority: High; conf: 0.60]\n" +
		"2. N/A [owner: Unassigned; due: n/a; priority: Unspecified; conf: 0.75]\n\n" +
		"### Instructions\n" +
		"- Prioritize by urgency: High → Medium → Low.\n" +
		"- If due dates are missing, ask once for clarification, then continue.\n" +
		"- Respond with concrete steps, not explanations.\n"
	if got := BuildPrompt("please send the report", items); got != want {
		t.Fatalf("BuildPrompt mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestBuildPrompt_NoItems(t *testing.T) {
	t.Parallel()
	got := BuildPrompt("hello", nil)
	want := "### User message (English)\nhello\n\n### Extracted action items\n(none)\n\n### Instructions\n"
	if len(got) < len(want) || got[:len(want)] != want {
		t.Fatalf("got %q", got)
	}
}
