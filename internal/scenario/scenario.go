// Package scenario loads declarative store scenarios from HCL files. A
// scenario describes an initial model and an ordered list of mutation steps,
// which the app replays against a store.
package scenario

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/deltastore/internal/fsutil"
)

// Step is a single declarative mutation: write Value at Path, using the
// requested submission strategy.
type Step struct {
	Name           string
	Path           string
	Value          cty.Value
	DependsOn      []string
	Strategy       string
	ThrottleKey    string
	ThrottleWindow time.Duration
}

// Scenario is a parsed scenario file.
type Scenario struct {
	Model cty.Value
	Steps []*Step
}

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "model"},
		{Type: "step", LabelNames: []string{"name"}},
	},
}

// Load parses and decodes the scenario at path. A directory loads every
// .hcl file under it in lexical order: model attributes from later files
// override earlier ones and steps are appended, so steps may depend on steps
// declared in earlier files.
func Load(path string) (*Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	if !info.IsDir() {
		sc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		return sc, validate(sc)
	}

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to scan scenario directory %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl scenario files under %s", path)
	}

	merged := &Scenario{Model: cty.EmptyObjectVal}
	for _, file := range files {
		sc, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		merged.Model = mergeModels(merged.Model, sc.Model)
		merged.Steps = append(merged.Steps, sc.Steps...)
	}
	return merged, validate(merged)
}

func loadFile(path string) (*Scenario, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, diags)
	}
	return decode(file.Body)
}

// Parse decodes scenario source held in memory, using filename only for
// diagnostics.
func Parse(filename string, src []byte) (*Scenario, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", filename, diags)
	}
	sc, err := decode(file.Body)
	if err != nil {
		return nil, err
	}
	return sc, validate(sc)
}

func mergeModels(base, overlay cty.Value) cty.Value {
	if overlay.RawEquals(cty.EmptyObjectVal) {
		return base
	}
	if base.RawEquals(cty.EmptyObjectVal) {
		return overlay
	}
	vals := base.AsValueMap()
	for key, v := range overlay.AsValueMap() {
		vals[key] = v
	}
	return cty.ObjectVal(vals)
}

func decode(body hcl.Body) (*Scenario, error) {
	content, diags := body.Content(rootSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid scenario structure: %w", diags)
	}

	sc := &Scenario{Model: cty.EmptyObjectVal}
	for _, block := range content.Blocks {
		switch block.Type {
		case "model":
			model, err := decodeModel(block.Body)
			if err != nil {
				return nil, err
			}
			sc.Model = model
		case "step":
			step, err := decodeStep(block)
			if err != nil {
				return nil, err
			}
			sc.Steps = append(sc.Steps, step)
		}
	}

	return sc, nil
}

// validate checks cross-step integrity on the fully merged scenario:
// depends_on may only reference steps declared earlier.
func validate(sc *Scenario) error {
	seen := make(map[string]bool, len(sc.Steps))
	for _, step := range sc.Steps {
		if seen[step.Name] {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on unknown or later step %q", step.Name, dep)
			}
		}
		seen[step.Name] = true
	}
	return nil
}

func decodeModel(body hcl.Body) (cty.Value, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("invalid model block: %w", diags)
	}

	vals := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		v, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() {
			return cty.NilVal, fmt.Errorf("invalid model attribute %q: %w", name, valDiags)
		}
		vals[name] = v
	}
	if len(vals) == 0 {
		return cty.EmptyObjectVal, nil
	}
	return cty.ObjectVal(vals), nil
}

func decodeStep(block *hcl.Block) (*Step, error) {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid step block: %w", diags)
	}

	step := &Step{Name: block.Labels[0], Strategy: "background"}
	for name, attr := range attrs {
		v, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() {
			return nil, fmt.Errorf("step %q: invalid attribute %q: %w", step.Name, name, valDiags)
		}

		switch name {
		case "path":
			s, err := stringAttr(v, name, step.Name)
			if err != nil {
				return nil, err
			}
			step.Path = s
		case "value":
			step.Value = v
		case "depends_on":
			deps, err := stringListAttr(v, name, step.Name)
			if err != nil {
				return nil, err
			}
			step.DependsOn = deps
		case "strategy":
			s, err := stringAttr(v, name, step.Name)
			if err != nil {
				return nil, err
			}
			step.Strategy = s
		case "throttle_key":
			s, err := stringAttr(v, name, step.Name)
			if err != nil {
				return nil, err
			}
			step.ThrottleKey = s
		case "throttle_ms":
			if v.Type() != cty.Number {
				return nil, fmt.Errorf("step %q: throttle_ms must be a number", step.Name)
			}
			ms, _ := v.AsBigFloat().Int64()
			step.ThrottleWindow = time.Duration(ms) * time.Millisecond
		default:
			return nil, fmt.Errorf("step %q: unsupported argument %q", step.Name, name)
		}
	}

	if step.Path == "" {
		return nil, fmt.Errorf("step %q: path is required", step.Name)
	}
	if step.Value == cty.NilVal {
		return nil, fmt.Errorf("step %q: value is required", step.Name)
	}
	if step.ThrottleWindow > 0 && step.ThrottleKey == "" {
		return nil, fmt.Errorf("step %q: throttle_ms requires throttle_key", step.Name)
	}
	return step, nil
}

func stringAttr(v cty.Value, attr, stepName string) (string, error) {
	if v.Type() != cty.String || v.IsNull() {
		return "", fmt.Errorf("step %q: %s must be a string", stepName, attr)
	}
	return v.AsString(), nil
}

func stringListAttr(v cty.Value, attr, stepName string) ([]string, error) {
	if v.IsNull() || !v.CanIterateElements() {
		return nil, fmt.Errorf("step %q: %s must be a list of strings", stepName, attr)
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		if ev.Type() != cty.String || ev.IsNull() {
			return nil, fmt.Errorf("step %q: %s must be a list of strings", stepName, attr)
		}
		out = append(out, ev.AsString())
	}
	return out, nil
}
