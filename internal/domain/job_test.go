package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseJobKind(t *testing.T) {
	tests := []struct {
		input string
		want  JobKind
		ok    bool
	}{
		{input: "training", want: JobKindTraining, ok: true},
		{input: " Scripting ", want: JobKindScripting, ok: true},
		{input: "story-building", want: JobKindStoryBuilding, ok: true},
		{input: "story_building", want: JobKindStoryBuilding, ok: true},
		{input: "podcasting", ok: false},
		{input: "", ok: false},
	}
	for _, tc := range tests {
		got, err := ParseJobKind(tc.input)
		if tc.ok {
			if err != nil {
				t.Fatalf("ParseJobKind(%q) error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("ParseJobKind(%q) = %q, want %q", tc.input, got, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseJobKind(%q) error = %v, want validation error", tc.input, err)
		}
	}
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusProcessing, JobStatusProcessing, true},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusPending, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusProcessing, false},
		{JobStatusFailed, JobStatusCompleted, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
	if !JobStatusCompleted.Terminal() || !JobStatusFailed.Terminal() {
		t.Fatalf("completed and failed must be terminal")
	}
	if JobStatusPending.Terminal() || JobStatusProcessing.Terminal() {
		t.Fatalf("pending and processing must not be terminal")
	}
}

func TestTruncateError(t *testing.T) {
	short := "provider timeout"
	if got := TruncateError(short); got != short {
		t.Fatalf("TruncateError(short) = %q", got)
	}
	long := strings.Repeat("é", MaxErrorMessageLength+50)
	got := TruncateError(long)
	if n := utf8.RuneCountInString(got); n != MaxErrorMessageLength {
		t.Fatalf("rune count = %d, want %d", n, MaxErrorMessageLength)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated message is not valid utf-8")
	}
}

func TestJobFilterNormalize(t *testing.T) {
	f := JobFilter{Limit: 0, Offset: -3}.Normalize()
	if f.Limit != DefaultPageLimit || f.Offset != 0 {
		t.Fatalf("Normalize() = %+v", f)
	}
	f = JobFilter{Limit: 1000}.Normalize()
	if f.Limit != MaxPageLimit {
		t.Fatalf("Limit = %d, want %d", f.Limit, MaxPageLimit)
	}
}

func TestValidationErrorIs(t *testing.T) {
	err := error(NewValidationError("topic", "required"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected errors.Is(ErrValidation)")
	}
	if !strings.Contains(err.Error(), "topic: required") {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(ErrInsufficientCredits, ErrPrecondition) {
		t.Fatalf("insufficient credits must be a precondition error")
	}
}
