package ai

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidateAttachments_ExactlyTenSucceeds(t *testing.T) {
	t.Parallel()
	inputs := make([]AttachmentInput, MaxAttachmentsPerTurn)
	for i := range inputs {
		inputs[i] = AttachmentInput{FilePath: fmt.Sprintf("/tmp/file-%d.txt", i), SizeBytes: 10}
	}
	blocks, err := ValidateAttachments(inputs)
	if err != nil {
		t.Fatalf("ValidateAttachments: %v", err)
	}
	if len(blocks) != MaxAttachmentsPerTurn {
		t.Fatalf("expected %d blocks, got %d", MaxAttachmentsPerTurn, len(blocks))
	}
}

func TestValidateAttachments_ElevenFails(t *testing.T) {
	t.Parallel()
	inputs := make([]AttachmentInput, MaxAttachmentsPerTurn+1)
	for i := range inputs {
		inputs[i] = AttachmentInput{FilePath: fmt.Sprintf("/tmp/file-%d.txt", i)}
	}
	_, err := ValidateAttachments(inputs)
	if !errors.Is(err, ErrTooManyAttachments) {
		t.Fatalf("expected ErrTooManyAttachments, got %v", err)
	}
}

func TestValidateAttachments_EmptyPathRejected(t *testing.T) {
	t.Parallel()
	_, err := ValidateAttachments([]AttachmentInput{{FilePath: "   "}})
	if !errors.Is(err, ErrAttachmentNoPath) {
		t.Fatalf("expected ErrAttachmentNoPath, got %v", err)
	}
}

func TestValidateAttachments_OversizedRejected(t *testing.T) {
	t.Parallel()
	_, err := ValidateAttachments([]AttachmentInput{{FilePath: "/tmp/huge.bin", SizeBytes: MaxAttachmentBytes + 1}})
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
}

func TestValidateAttachments_FileNameDefaultsToBasename(t *testing.T) {
	t.Parallel()
	blocks, err := ValidateAttachments([]AttachmentInput{
		{FilePath: "/home/dev/notes/plan.md"},
		{FilePath: "/home/dev/raw.bin", FileName: "renamed.bin"},
	})
	if err != nil {
		t.Fatalf("ValidateAttachments: %v", err)
	}
	if blocks[0].FileName != "plan.md" {
		t.Fatalf("expected basename default, got %q", blocks[0].FileName)
	}
	if blocks[1].FileName != "renamed.bin" {
		t.Fatalf("explicit filenames must win, got %q", blocks[1].FileName)
	}
}

func TestTruncateTitle_Boundaries(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 100)
	cases := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"empty", "", 72, ""},
		{"budget 0 plain-truncates", long, 0, ""},
		{"budget 1 plain-truncates", long, 1, "x"},
		{"budget 2 plain-truncates", long, 2, "xx"},
		{"budget 3 plain-truncates", long, 3, "xxx"},
		{"exactly 72 untouched", strings.Repeat("y", 72), 72, strings.Repeat("y", 72)},
		{"73 gets ellipsis", strings.Repeat("y", 73), 72, strings.Repeat("y", 71) + "…"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TruncateTitle(tc.input, tc.max); got != tc.want {
				t.Fatalf("TruncateTitle(%d chars, %d) = %q, want %q", len(tc.input), tc.max, got, tc.want)
			}
		})
	}
}

func TestTruncateTitle_NormalizesWhitespaceAndQuotes(t *testing.T) {
	t.Parallel()
	if got := TruncateTitle("  \"fix \t the\n parser\"  ", 72); got != "fix the parser" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateTitle("'single quoted'", 72); got != "single quoted" {
		t.Fatalf("got %q", got)
	}
}

func TestAutotitleCandidate_PrefersEnginePreview(t *testing.T) {
	t.Parallel()
	if got := AutotitleCandidate("Engine summary", "user message"); got != "Engine summary" {
		t.Fatalf("got %q", got)
	}
	if got := AutotitleCandidate("   ", "user message"); got != "user message" {
		t.Fatalf("blank preview must fall back to the user message, got %q", got)
	}
}

func TestShouldAutotitle(t *testing.T) {
	t.Parallel()
	if !ShouldAutotitle(0, false) {
		t.Fatalf("first message on an unlocked thread qualifies")
	}
	if ShouldAutotitle(1, false) {
		t.Fatalf("non-first message must not retitle")
	}
	if ShouldAutotitle(0, true) {
		t.Fatalf("a manually locked title must never be replaced")
	}
}
