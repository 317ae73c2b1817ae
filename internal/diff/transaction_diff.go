package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// TransactionDiff is the published result of diffing the snapshots before and
// after one committed transaction. It is immutable once published.
type TransactionDiff struct {
	TransactionID string
	ActionID      string
	Diffs         map[string]PropertyDiff
}

// Empty reports whether the transaction changed no leaf at all.
func (d TransactionDiff) Empty() bool {
	return len(d.Diffs) == 0
}

// String renders the diff as a single structured log line:
//
//	DIFF (<transactionId>) <actionId> {<path>: added ⇒ <v>, <path>: changed ⇒ (old: <a>, new: <b>), <path>: removed}
//
// Paths are sorted so the rendering is deterministic.
func (d TransactionDiff) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "DIFF (%s) %s {", d.TransactionID, d.ActionID)

	paths := make([]string, 0, len(d.Diffs))
	for p := range d.Diffs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for i, path := range paths {
		if i > 0 {
			sb.WriteString(", ")
		}
		pd := d.Diffs[path]
		switch pd.Kind {
		case Added:
			fmt.Fprintf(&sb, "%s: added ⇒ %s", path, formatLeaf(pd.New))
		case Changed:
			fmt.Fprintf(&sb, "%s: changed ⇒ (old: %s, new: %s)", path, formatLeaf(pd.Old), formatLeaf(pd.New))
		case Removed:
			fmt.Fprintf(&sb, "%s: removed", path)
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// propertyDiffJSON is the transport projection of a single property change.
type propertyDiffJSON struct {
	Type string          `json:"type"`
	Old  json.RawMessage `json:"old,omitempty"`
	New  json.RawMessage `json:"new,omitempty"`
}

type transactionDiffJSON struct {
	TransactionID string                      `json:"transactionId"`
	ActionID      string                      `json:"actionId"`
	Diffs         map[string]propertyDiffJSON `json:"diffs"`
}

// MarshalJSON projects the diff into a JSON-serializable payload. Leaf values
// are encoded with their cty-implied JSON form.
func (d TransactionDiff) MarshalJSON() ([]byte, error) {
	out := transactionDiffJSON{
		TransactionID: d.TransactionID,
		ActionID:      d.ActionID,
		Diffs:         make(map[string]propertyDiffJSON, len(d.Diffs)),
	}
	for path, pd := range d.Diffs {
		entry := propertyDiffJSON{Type: pd.Kind.String()}
		if pd.Kind != Added {
			raw, err := leafJSON(pd.Old)
			if err != nil {
				return nil, fmt.Errorf("encoding old leaf at %q: %w", path, err)
			}
			entry.Old = raw
		}
		if pd.Kind != Removed {
			raw, err := leafJSON(pd.New)
			if err != nil {
				return nil, fmt.Errorf("encoding new leaf at %q: %w", path, err)
			}
			entry.New = raw
		}
		out.Diffs[path] = entry
	}
	return json.Marshal(out)
}

func leafJSON(v cty.Value) (json.RawMessage, error) {
	if v == cty.NilVal {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(ctyjson.SimpleJSONValue{Value: v})
}

// formatLeaf renders a leaf value for the human-readable diff line.
func formatLeaf(v cty.Value) string {
	if v == cty.NilVal || v.IsNull() {
		return "null"
	}
	switch v.Type() {
	case cty.String:
		return fmt.Sprintf("%q", v.AsString())
	case cty.Number:
		return v.AsBigFloat().Text('f', -1)
	case cty.Bool:
		if v.True() {
			return "true"
		}
		return "false"
	default:
		return v.GoString()
	}
}
