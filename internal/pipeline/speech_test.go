package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"Booked for Tuesday. Anything else?", []string{"Booked for Tuesday.", "Anything else?"}},
		{"Invoice 12.50 is paid!  Thanks", []string{"Invoice 12.50 is paid!", "Thanks"}},
		{"no punctuation", []string{"no punctuation"}},
		{"   ", nil},
		{"Done.", []string{"Done."}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitSentences(tt.in), tt.in)
	}
}

func TestStripMarkdown(t *testing.T) {
	t.Parallel()
	in := "## Status\n- **Job 42** is _done_.\n- See [the invoice](http://x/1).\n```\ncode\n```"
	assert.Equal(t, "Status Job 42 is done. See the invoice.", StripMarkdown(in))
}

func TestStripMarkdownKeepsInWordMarkers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "Job job_42 is open", want: "Job job_42 is open"},
		{in: "That is 5*3 hours", want: "That is 5*3 hours"},
		{in: "Tasks task_1 and task_2", want: "Tasks task_1 and task_2"},
		{in: "*really* **now**", want: "really now"},
		{in: "Use `code_name` with ~~old~~ new", want: "Use code_name with old new"},
		{in: "2 * 3 * 4", want: "2 * 3 * 4"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, StripMarkdown(tc.in))
		})
	}
}

func TestUnintelligible(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "  ", "[noise]", "*static*", "(coughing)", "Um", "you"} {
		assert.True(t, Unintelligible(s), s)
	}
	for _, s := range []string{"reschedule my appointment", "yes", "[1] first item and more"} {
		assert.False(t, Unintelligible(s), s)
	}
}
