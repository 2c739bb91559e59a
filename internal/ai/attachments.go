package ai

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxAttachmentsPerTurn is the hard cap enforced by send_message.
const MaxAttachmentsPerTurn = 10

// MaxAttachmentBytes bounds a single attachment; oversized attachments are
// rejected with a human-readable size in the error.
const MaxAttachmentBytes = 25 * 1024 * 1024

// AttachmentInput is what a caller supplies to send_message before it is
// captured into an AttachmentBlock.
type AttachmentInput struct {
	FilePath  string
	FileName  string
	SizeBytes int64
	MimeType  string
}

var (
	ErrTooManyAttachments  = errors.New("too many attachments")
	ErrAttachmentNoPath    = errors.New("attachment missing path")
	ErrAttachmentTooLarge  = errors.New("attachment too large")
)

// ValidateAttachments enforces the count cap, the non-empty-path rule, and
// the size ceiling, and returns AttachmentBlocks in input order, filename
// defaulted to the path's basename.
func ValidateAttachments(inputs []AttachmentInput) ([]AttachmentBlock, error) {
	if len(inputs) > MaxAttachmentsPerTurn {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyAttachments, len(inputs), MaxAttachmentsPerTurn)
	}
	out := make([]AttachmentBlock, 0, len(inputs))
	for i, in := range inputs {
		path := strings.TrimSpace(in.FilePath)
		if path == "" {
			return nil, fmt.Errorf("attachment[%d]: %w", i, ErrAttachmentNoPath)
		}
		if in.SizeBytes > MaxAttachmentBytes {
			return nil, fmt.Errorf("attachment[%d] %q: %w (%s > %s)", i, path, ErrAttachmentTooLarge,
				humanize.Bytes(uint64(in.SizeBytes)), humanize.Bytes(uint64(MaxAttachmentBytes)))
		}
		name := strings.TrimSpace(in.FileName)
		if name == "" {
			name = filepath.Base(path)
		}
		out = append(out, AttachmentBlock{FileName: name, FilePath: path, SizeBytes: in.SizeBytes, MimeType: in.MimeType})
	}
	return out, nil
}

// ManualTitleMetadataKey marks a thread's title as user-locked, disabling
// autotitle regardless of messageCount.
const ManualTitleMetadataKey = "manualTitle"

// TitleMaxLen is the truncation budget for an autotitle candidate.
const TitleMaxLen = 72

// ShouldAutotitle reports whether a thread qualifies for autotitling:
// this is its first message and the title has not been manually locked.
func ShouldAutotitle(messageCount int64, manualTitleLocked bool) bool {
	return messageCount == 0 && !manualTitleLocked
}

// TruncateTitle normalizes a title candidate: collapse whitespace, strip
// surrounding quotes, then truncate to max characters, appending "…" (or
// a plain truncate if the budget is too small to fit the ellipsis).
func TruncateTitle(candidate string, max int) string {
	s := collapseWhitespace(candidate)
	s = strings.Trim(s, `"'`)
	s = collapseWhitespace(s)

	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// AutotitleCandidate picks the first non-empty of (engine-provided
// preview, the user's first message) and normalizes it.
func AutotitleCandidate(enginePreview, userMessage string) string {
	if strings.TrimSpace(enginePreview) != "" {
		return TruncateTitle(enginePreview, TitleMaxLen)
	}
	return TruncateTitle(userMessage, TitleMaxLen)
}
