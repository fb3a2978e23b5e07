package index

import (
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// DefaultFilterCacheSize bounds the number of compiled partial filters kept.
const DefaultFilterCacheSize = 256

// FilterCache compiles partial filter expressions once and keeps the
// programs in an LRU.
type FilterCache struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// NewFilterCache creates a cache for size programs. Expressions see the
// document as the map variable doc.
func NewFilterCache(size int) (*FilterCache, error) {
	if size <= 0 {
		size = DefaultFilterCacheSize
	}
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	programs, err := lru.New[string, cel.Program](size)
	if err != nil {
		return nil, err
	}
	return &FilterCache{env: env, programs: programs}, nil
}

// Compile returns the program for expr.
func (fc *FilterCache) Compile(expr string) (*Filter, error) {
	if prg, ok := fc.programs.Get(expr); ok {
		return &Filter{expr: expr, prg: prg}, nil
	}
	ast, issues := fc.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, storeerr.Newf(storeerr.CodeInvalidOptions, "partial filter %q: %s", expr, issues.Err())
	}
	prg, err := fc.env.Program(ast)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.CodeInvalidOptions, err, fmt.Sprintf("partial filter %q", expr))
	}
	fc.programs.Add(expr, prg)
	return &Filter{expr: expr, prg: prg}, nil
}

// Filter is a compiled partial filter.
type Filter struct {
	expr string
	prg  cel.Program
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Match reports whether doc satisfies the filter. Evaluation errors, such as
// a missing field, count as no match.
func (f *Filter) Match(doc map[string]interface{}) bool {
	out, _, err := f.prg.Eval(map[string]interface{}{"doc": doc})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
