package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIssueClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		labels []string
		want   string
	}{
		{[]string{"bug"}, "/bug"},
		{[]string{"Bug"}, "/bug"},
		{[]string{"chore"}, "/chore"},
		{[]string{"patch"}, "/patch"},
		{[]string{"feature"}, "/feature"},
		{[]string{"enhancement"}, "/feature"},
		{[]string{"documentation", "bug"}, "/bug"},
		{nil, "/feature"},
		{[]string{"unrelated"}, "/feature"},
	}
	for _, tc := range cases {
		issue := &Issue{Labels: tc.labels}
		assert.Equal(t, tc.want, issue.Classify(), "%v", tc.labels)
	}
}

func TestIssueToJSON(t *testing.T) {
	t.Parallel()
	issue := &Issue{
		Number: 42,
		Title:  "Add retry",
		Body:   "body",
		State:  "open",
		Labels: []string{"bug", "backend"},
	}
	got := issue.ToJSON()
	assert.Equal(t, 42, got["number"])
	assert.Equal(t, "Add retry", got["title"])
	assert.Equal(t, []any{"bug", "backend"}, got["labels"])
}

func TestMergeStrategies(t *testing.T) {
	t.Parallel()
	assert.Equal(t, MergeStrategy("squash"), MergeSquash)
	assert.Equal(t, MergeStrategy("merge"), MergeMerge)
	assert.Equal(t, MergeStrategy("rebase"), MergeRebase)
}
