package ai

import "testing"

func TestNormalizeApprovalDecision(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"allow":              "accept",
		"deny":               "decline",
		"accept_for_session": "acceptForSession",
		"accept":             "accept",
		"decline":            "decline",
		"something-custom":   "something-custom",
	}
	for in, want := range cases {
		if got := NormalizeApprovalDecision(in); got != want {
			t.Fatalf("NormalizeApprovalDecision(%q) = %q, want %q", in, got, want)
		}
	}
}
