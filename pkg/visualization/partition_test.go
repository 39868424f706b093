package visualization

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Iris/pkg/frames"
)

func owned(rule string, path ...frames.ContextRef) Result {
	return Result{RuleID: rule, FramePath: path}
}

func ruleIDs(results []Result) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.RuleID)
	}
	return ids
}

func TestPartitionGroupsByOwnerInEncounterOrder(t *testing.T) {
	results := []Result{
		owned("r1"),
		owned("r2", "childB"),
		owned("r3", "childA"),
		owned("r4"),
		owned("r5", "childB", "grandchild"),
		owned("r6", "childA"),
	}

	set := Partition(results)

	assert.Equal(t, []string{"r1", "r4"}, ruleIDs(set.Local))
	assert.Equal(t, []frames.ContextRef{"childB", "childA"}, set.Children)
	assert.Equal(t, []string{"r2", "r5"}, ruleIDs(set.ByChild["childB"]))
	assert.Equal(t, []string{"r3", "r6"}, ruleIDs(set.ByChild["childA"]))
	assert.Equal(t, len(results), set.Total())
}

func TestPartitionNilInput(t *testing.T) {
	set := Partition(nil)

	require.NotNil(t, set.Local)
	require.NotNil(t, set.ByChild)
	assert.Empty(t, set.Local)
	assert.Empty(t, set.Children)
	assert.Zero(t, set.Total())
}

func TestPartitionKeepsHiddenResults(t *testing.T) {
	hidden := owned("hidden")
	hidden.IsVisible = Bool(false)

	set := Partition([]Result{hidden, owned("shown")})

	assert.Equal(t, []string{"hidden", "shown"}, ruleIDs(set.Local))
}

func TestDrawable(t *testing.T) {
	invisible := owned("invisible")
	invisible.IsVisible = Bool(false)
	suppressed := owned("suppressed")
	suppressed.IsVisualizationEnabled = Bool(false)
	explicit := owned("explicit")
	explicit.IsVisible = Bool(true)
	explicit.IsVisualizationEnabled = Bool(true)

	got := drawable([]Result{owned("default"), invisible, suppressed, explicit})

	assert.Equal(t, []string{"default", "explicit"}, ruleIDs(got))
	assert.NotNil(t, drawable(nil))
}

func TestForChildRebasesPaths(t *testing.T) {
	in := []Result{
		owned("direct", "childA"),
		owned("nested", "childA", "grandchild", "leaf"),
	}

	out := forChild(in)

	require.Len(t, out, 2)
	assert.Nil(t, out[0].FramePath)
	assert.Equal(t, frames.Current, out[0].Owner())
	assert.Equal(t, []frames.ContextRef{"grandchild", "leaf"}, out[1].FramePath)
	assert.Equal(t, frames.ContextRef("grandchild"), out[1].Owner())

	// input is left untouched
	assert.Equal(t, []frames.ContextRef{"childA"}, in[0].FramePath)
	assert.Equal(t, []frames.ContextRef{"childA", "grandchild", "leaf"}, in[1].FramePath)
}

func TestPartitionIsExhaustive(t *testing.T) {
	results := []Result{
		owned("r1", "childA"),
		owned("r2"),
		owned("r3", "childA", "grandchild"),
		owned("r4", "childC"),
	}

	want := PartitionedResultSet{
		Local:    []Result{owned("r2")},
		Children: []frames.ContextRef{"childA", "childC"},
		ByChild: map[frames.ContextRef][]Result{
			"childA": {owned("r1", "childA"), owned("r3", "childA", "grandchild")},
			"childC": {owned("r4", "childC")},
		},
	}

	if diff := cmp.Diff(want, Partition(results)); diff != "" {
		t.Errorf("Partition() mismatch (-want +got):\n%s", diff)
	}
}
