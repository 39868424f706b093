package visualization

import (
	"encoding/json"

	"github.com/wehubfusion/Iris/pkg/frames"
)

// ConfigID identifies one visualization feature (e.g. "headings", "tab-stops").
type ConfigID string

// Result is one scan finding tagged with the context that owns its element.
//
// FramePath lists the child contexts to descend through, starting from the
// context that receives the result. An empty path means the element lives
// in the receiving context. When a result is forwarded to a child, the
// first hop is dropped so the child sees the path relative to itself.
type Result struct {
	RuleID   string          `json:"ruleId,omitempty"`
	Selector string          `json:"selector,omitempty"`
	Finding  json.RawMessage `json:"finding,omitempty"`

	FramePath []frames.ContextRef `json:"framePath,omitempty"`

	// IsVisible defaults to true when unset
	IsVisible *bool `json:"isVisible,omitempty"`
	// IsVisualizationEnabled defaults to true when unset
	IsVisualizationEnabled *bool `json:"isVisualizationEnabled,omitempty"`
}

// Owner returns the child context that owns the element, or frames.Current.
func (r Result) Owner() frames.ContextRef {
	if len(r.FramePath) == 0 {
		return frames.Current
	}
	return r.FramePath[0]
}

// IsDrawable reports whether the result should be drawn locally. Only an
// explicit false on either flag excludes it.
func (r Result) IsDrawable() bool {
	if r.IsVisible != nil && !*r.IsVisible {
		return false
	}
	if r.IsVisualizationEnabled != nil && !*r.IsVisualizationEnabled {
		return false
	}
	return true
}

// rebased returns a copy of r addressed relative to its owning child.
func (r Result) rebased() Result {
	if len(r.FramePath) == 0 {
		return r
	}
	rest := r.FramePath[1:]
	if len(rest) == 0 {
		r.FramePath = nil
	} else {
		r.FramePath = append([]frames.ContextRef(nil), rest...)
	}
	return r
}

// Bool returns a pointer to b, for the optional result flags.
func Bool(b bool) *bool {
	return &b
}

// Command is the wire message that toggles a visualization in a context.
//
// ElementResults distinguishes three states: nil when no result set applies
// (serialized as null, or omitted for disables), an empty slice when the set
// was computed and is empty, and a populated slice otherwise.
type Command struct {
	ConfigID       ConfigID
	IsEnabled      bool
	ElementResults []Result
	FeatureFlags   map[string]bool
}

type wireCommand struct {
	ConfigID       ConfigID        `json:"configId"`
	IsEnabled      bool            `json:"isEnabled"`
	ElementResults *[]Result       `json:"elementResults,omitempty"`
	FeatureFlags   map[string]bool `json:"featureFlags,omitempty"`
}

// MarshalJSON writes elementResults for every enable (null when there is no
// result set) and omits it for a disable without results.
func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{
		ConfigID:     c.ConfigID,
		IsEnabled:    c.IsEnabled,
		FeatureFlags: c.FeatureFlags,
	}
	if c.IsEnabled || c.ElementResults != nil {
		results := c.ElementResults
		w.ElementResults = &results
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts null, absent, empty and populated elementResults.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ConfigID = w.ConfigID
	c.IsEnabled = w.IsEnabled
	c.FeatureFlags = w.FeatureFlags
	c.ElementResults = nil
	if w.ElementResults != nil {
		c.ElementResults = *w.ElementResults
	}
	return nil
}

// PartitionedResultSet splits a flat result set by owning context.
type PartitionedResultSet struct {
	// Local holds results owned by the current context, in input order
	Local []Result
	// Children lists the distinct owning children in encounter order
	Children []frames.ContextRef
	// ByChild holds each child's results, in input order
	ByChild map[frames.ContextRef][]Result
}

// Total returns the number of results across all partitions.
func (p PartitionedResultSet) Total() int {
	total := len(p.Local)
	for _, results := range p.ByChild {
		total += len(results)
	}
	return total
}
