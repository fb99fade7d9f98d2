package assessment

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed instruments.yaml
var defaultCatalog []byte

//go:embed catalog.schema.json
var catalogSchemaJSON []byte

const catalogSchemaURL = "https://mindwell.dev/schemas/instrument-catalog.json"

var (
	schemaOnce    sync.Once
	catalogSchema *jsonschema.Schema
	schemaErr     error
)

func compiledCatalogSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(catalogSchemaURL, bytes.NewReader(catalogSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load catalog schema: %w", err)
			return
		}
		catalogSchema, schemaErr = c.Compile(catalogSchemaURL)
	})
	return catalogSchema, schemaErr
}

// validateCatalogShape checks keys and value types before the semantic
// checks run, so a misspelled key fails loudly instead of being ignored.
func validateCatalogShape(data []byte) error {
	schema, err := compiledCatalogSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse instrument catalog: %w", err)
	}
	// The validator expects JSON-decoded values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse instrument catalog: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse instrument catalog: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("instrument catalog schema: %w", err)
	}
	return nil
}

type catalogFile struct {
	Instruments []instrumentDef `yaml:"instruments"`
}

type instrumentDef struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Scale       []string  `yaml:"scale"`
	Items       []itemDef `yaml:"items"`
	Flags       []flagDef `yaml:"flags"`
	Bands       []bandDef `yaml:"bands"`
	Rules       []ruleDef `yaml:"rules"`
}

type itemDef struct {
	Prompt  string   `yaml:"prompt"`
	Scale   []string `yaml:"scale"`
	Exclude bool     `yaml:"exclude"`
}

type flagDef struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

type bandDef struct {
	Severity string `yaml:"severity"`
	Min      int    `yaml:"min"`
	Max      int    `yaml:"max"`
	Text     string `yaml:"text"`
}

type ruleDef struct {
	When    string `yaml:"when"`
	Type    string `yaml:"type"`
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// Registry holds every instrument known to the process, keyed by id.
type Registry struct {
	order []string
	byID  map[string]*Instrument
}

// DefaultRegistry loads the catalogue embedded in the binary.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultCatalog)
}

// LoadRegistry parses a YAML catalogue, checks it against the catalogue
// schema, validates every instrument and compiles its rules. Any defect
// fails the whole load.
func LoadRegistry(data []byte) (*Registry, error) {
	if err := validateCatalogShape(data); err != nil {
		return nil, err
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse instrument catalog: %w", err)
	}
	if len(cf.Instruments) == 0 {
		return nil, fmt.Errorf("instrument catalog is empty")
	}

	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}

	reg := &Registry{byID: make(map[string]*Instrument, len(cf.Instruments))}
	for _, def := range cf.Instruments {
		if _, dup := reg.byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate instrument id %q", def.ID)
		}
		in, err := buildInstrument(env, def)
		if err != nil {
			return nil, fmt.Errorf("instrument %q: %w", def.ID, err)
		}
		reg.byID[in.ID] = in
		reg.order = append(reg.order, in.ID)
	}
	return reg, nil
}

// Lookup returns the instrument with the given id or ErrUnknownInstrument.
func (r *Registry) Lookup(id string) (*Instrument, error) {
	in, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, id)
	}
	return in, nil
}

// List returns instruments in catalogue order.
func (r *Registry) List() []*Instrument {
	out := make([]*Instrument, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("r", cel.ListType(cel.IntType)),
		cel.Variable("flags", cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}
	return env, nil
}

func buildInstrument(env *cel.Env, def instrumentDef) (*Instrument, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if len(def.Scale) != MaxResponse-MinResponse+1 {
		return nil, fmt.Errorf("scale must have %d labels, got %d", MaxResponse-MinResponse+1, len(def.Scale))
	}
	if len(def.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	in := &Instrument{
		ID:          def.ID,
		Title:       def.Title,
		Description: def.Description,
		ScaleLabels: def.Scale,
	}

	for i, it := range def.Items {
		if it.Prompt == "" {
			return nil, fmt.Errorf("item %d: prompt is required", i)
		}
		if len(it.Scale) != 0 && len(it.Scale) != len(def.Scale) {
			return nil, fmt.Errorf("item %d: scale override must have %d labels", i, len(def.Scale))
		}
		in.Items = append(in.Items, Item{Prompt: it.Prompt, ScaleLabels: it.Scale, Excluded: it.Exclude})
	}
	if in.MaxScore() == 0 {
		return nil, fmt.Errorf("every item is excluded from the total")
	}

	seen := make(map[string]bool, len(def.Flags))
	for _, f := range def.Flags {
		if f.Name == "" || seen[f.Name] {
			return nil, fmt.Errorf("flag names must be unique and non-empty (%q)", f.Name)
		}
		seen[f.Name] = true
		in.Flags = append(in.Flags, Flag{Name: f.Name, Prompt: f.Prompt})
	}

	if err := validateBands(def.Bands, in.MaxScore()); err != nil {
		return nil, err
	}
	for _, b := range def.Bands {
		in.Bands = append(in.Bands, Band{Severity: Severity(b.Severity), Min: b.Min, Max: b.Max, ResultText: b.Text})
	}

	for i, rd := range def.Rules {
		rule, err := compileRule(env, rd, in)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rd.Type, err)
		}
		in.Rules = append(in.Rules, rule)
	}

	// Dry run against the minimum vector, then the maximum vector with every
	// flag set, so short-circuited branches are evaluated too.
	zero := make([]int, in.ItemCount())
	full := make([]int, in.ItemCount())
	allFlags := make(Flags, len(in.Flags))
	for i := range full {
		full[i] = MaxResponse
	}
	for _, f := range in.Flags {
		allFlags[f.Name] = true
	}
	for _, rule := range in.Rules {
		if _, err := rule.eval(ruleInput(in, zero, nil)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Type, err)
		}
		if _, err := rule.eval(ruleInput(in, full, allFlags)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Type, err)
		}
	}
	return in, nil
}

// validateBands checks that bands are contiguous, non-overlapping and cover
// exactly [0, maxScore].
func validateBands(bands []bandDef, maxScore int) error {
	if len(bands) == 0 {
		return fmt.Errorf("at least one severity band is required")
	}
	next := 0
	for i, b := range bands {
		if !validSeverities[Severity(b.Severity)] {
			return fmt.Errorf("band %d: unknown severity %q", i, b.Severity)
		}
		if b.Min != next {
			return fmt.Errorf("band %d (%s): expected min %d, got %d", i, b.Severity, next, b.Min)
		}
		if b.Max < b.Min {
			return fmt.Errorf("band %d (%s): max %d below min %d", i, b.Severity, b.Max, b.Min)
		}
		next = b.Max + 1
	}
	if next-1 != maxScore {
		return fmt.Errorf("bands end at %d, max score is %d", next-1, maxScore)
	}
	return nil
}

func compileRule(env *cel.Env, rd ruleDef, in *Instrument) (Rule, error) {
	if rd.Type == "" || rd.When == "" {
		return Rule{}, fmt.Errorf("type and when are required")
	}
	ast, iss := env.Compile(rd.When)
	if iss != nil && iss.Err() != nil {
		return Rule{}, fmt.Errorf("compile: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return Rule{}, fmt.Errorf("predicate must be boolean, got %s", ast.OutputType())
	}
	refs, err := checkRuleRefs(ast, in)
	if err != nil {
		return Rule{}, err
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return Rule{}, fmt.Errorf("program: %w", err)
	}
	return Rule{When: rd.When, Type: rd.Type, Title: rd.Title, Content: rd.Content, program: prg, refs: refs}, nil
}

// ruleRefs records what a predicate reads. A variable used other than
// through a constant index or field marks the whole variable as read.
type ruleRefs struct {
	items    map[int]bool
	flags    map[string]bool
	allItems bool
	allFlags bool
}

// checkRuleRefs rejects constant response indices outside the instrument
// and flag names it does not declare, wherever they sit in the expression.
func checkRuleRefs(checked *cel.Ast, in *Instrument) (ruleRefs, error) {
	declared := make(map[string]bool, len(in.Flags))
	for _, f := range in.Flags {
		declared[f.Name] = true
	}
	refs := ruleRefs{items: map[int]bool{}, flags: map[string]bool{}}
	var errs []error
	// ident uses versus uses through a constant index or field
	uses := map[string]int{}
	keyed := map[string]int{}
	readFlag := func(name string) {
		keyed["flags"]++
		if !declared[name] {
			errs = append(errs, fmt.Errorf("flag %q is not declared", name))
			return
		}
		refs.flags[name] = true
	}

	visitor := celast.NewExprVisitor(func(e celast.Expr) {
		switch e.Kind() {
		case celast.IdentKind:
			uses[e.AsIdent()]++
		case celast.CallKind:
			call := e.AsCall()
			args := call.Args()
			if call.FunctionName() != operators.Index || len(args) != 2 {
				return
			}
			if args[0].Kind() != celast.IdentKind || args[1].Kind() != celast.LiteralKind {
				return
			}
			switch args[0].AsIdent() {
			case "r":
				i, ok := args[1].AsLiteral().(types.Int)
				if !ok {
					return
				}
				keyed["r"]++
				if i < 0 || int(i) >= in.ItemCount() {
					errs = append(errs, fmt.Errorf("r[%d] is outside the %d items", int64(i), in.ItemCount()))
					return
				}
				refs.items[int(i)] = true
			case "flags":
				if name, ok := args[1].AsLiteral().(types.String); ok {
					readFlag(string(name))
				}
			}
		case celast.SelectKind:
			sel := e.AsSelect()
			op := sel.Operand()
			if op.Kind() != celast.IdentKind || op.AsIdent() != "flags" {
				return
			}
			if sel.IsTestOnly() {
				// has() on a flag is constant: declared flags are always set.
				keyed["flags"]++
				return
			}
			readFlag(sel.FieldName())
		}
	})
	celast.PreOrderVisit(checked.NativeRep().Expr(), visitor)

	refs.allItems = uses["r"] > keyed["r"]
	refs.allFlags = uses["flags"] > keyed["flags"]
	return refs, errors.Join(errs...)
}

// Reads reports whether the rule's predicate can depend on item i.
func (rule Rule) Reads(i int) bool {
	return rule.refs.allItems || rule.refs.items[i]
}

// ReadsFlag reports whether the rule's predicate can depend on the flag.
func (rule Rule) ReadsFlag(name string) bool {
	return rule.refs.allFlags || rule.refs.flags[name]
}
