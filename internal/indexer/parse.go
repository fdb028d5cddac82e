// Package indexer statically inspects a candidate Go source file and
// extracts the flow it declares — its name, schedule, window, retry
// policy, and task DAG — without ever building or running the file (spec
// §4.6, §5.6). The original project did this by calling Python's ast
// module on the script text; Go's equivalent static-analysis surface is
// go/parser + go/ast, used here the same way: parse to a syntax tree,
// walk it, never `go build`/`go run` it.
package indexer

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"time"
)

// FlowImportPath is the import path the leaf rule looks for: a file is a
// candidate only if it imports this package (spec §4.2 step 1's "imports
// the flow-definition surface" clause).
const FlowImportPath = "github.com/flowctl/flowctl/internal/flow"

// TaskDef is one parsed task declaration.
type TaskDef struct {
	Name       string
	RetryMax   int
	RetryDelay time.Duration
	Config     map[string]any
}

// EdgeDef is one parsed `.Requires` edge: To depends on From.
type EdgeDef struct {
	From string
	To   string
}

// FlowDef is everything the indexer extracts from one candidate file.
type FlowDef struct {
	Name        string
	Description string
	CronExprs   []string
	MaxDelay    *time.Duration
	Active      *bool
	Tasks       []TaskDef
	Edges       []EdgeDef
}

// IsCandidate applies the leaf rule: true iff the file imports
// FlowImportPath and contains a call to the package's New constructor.
func IsCandidate(path string) (bool, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
	if err != nil {
		return false, fmt.Errorf("parse imports of %s: %w", path, err)
	}
	if !importsFlowPackage(file) {
		return false, nil
	}

	full, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}

	found := false
	ast.Inspect(full, func(n ast.Node) bool {
		if found {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		if sel, ok := call.Fun.(*ast.SelectorExpr); ok {
			if pkgAlias(file) == identName(sel.X) && sel.Sel.Name == "New" {
				found = true
			}
		}
		return true
	})
	return found, nil
}

func importsFlowPackage(file *ast.File) bool {
	for _, imp := range file.Imports {
		if unquote(imp.Path.Value) == FlowImportPath {
			return true
		}
	}
	return false
}

// pkgAlias returns the local identifier the file refers to the flow
// package by: its explicit alias if one was given, else "flow".
func pkgAlias(file *ast.File) string {
	for _, imp := range file.Imports {
		if unquote(imp.Path.Value) != FlowImportPath {
			continue
		}
		if imp.Name != nil {
			return imp.Name.Name
		}
		return "flow"
	}
	return "flow"
}

// Parse extracts the FlowDef from a candidate file. It never type-checks
// or executes the file — only syntactic pattern matching against the
// known flow.New/flow.Task/.Requires call shapes described in SPEC_FULL.md
// §5.6.
func Parse(path string) (*FlowDef, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	alias := pkgAlias(file)
	def := &FlowDef{}

	// flowVars maps the identifier a flow.New(...) result was assigned to,
	// to the FlowDef it populates (normally just one per file, but nothing
	// stops a file from doing it in multiple statements).
	flowVars := map[string]*FlowDef{}
	// taskVars maps a task-handle identifier to the TaskDef it refers to.
	taskVars := map[string]*TaskDef{}
	// taskOwner maps a task-handle identifier back to the flow it belongs to,
	// needed to resolve `.Requires` edges (which are recorded on the flow).
	taskOwner := map[string]*FlowDef{}

	var visit func(ast.Node) bool
	visit = func(n ast.Node) bool {
		assign, ok := n.(*ast.AssignStmt)
		if !ok {
			return true
		}
		if len(assign.Lhs) != 1 || len(assign.Rhs) != 1 {
			return true
		}
		lhsIdent, ok := assign.Lhs[0].(*ast.Ident)
		if !ok {
			return true
		}

		switch rhs := assign.Rhs[0].(type) {
		case *ast.CallExpr:
			if fd := tryParseFlowNew(rhs, alias); fd != nil {
				flowVars[lhsIdent.Name] = fd
				if def.Name == "" {
					def = fd
				}
				return true
			}
			if recvName, td := tryParseTaskCall(rhs, flowVars); td != nil {
				flowVars[recvName].Tasks = append(flowVars[recvName].Tasks, *td)
				idx := len(flowVars[recvName].Tasks) - 1
				taskVars[lhsIdent.Name] = &flowVars[recvName].Tasks[idx]
				taskOwner[lhsIdent.Name] = flowVars[recvName]
				return true
			}
			if toName, fromNames := tryParseRequires(rhs, taskVars); toName != "" {
				owner := taskOwner[toName]
				for _, from := range fromNames {
					owner.Edges = append(owner.Edges, EdgeDef{From: from, To: toName})
				}
			}
		}
		return true
	}
	ast.Inspect(file, visit)

	// A bare `f.Task(...).Requires(g)` chained expression statement (not
	// assigned to a variable) is also legal; handle it as a second pass
	// over ExprStmt call chains.
	ast.Inspect(file, func(n ast.Node) bool {
		exprStmt, ok := n.(*ast.ExprStmt)
		if !ok {
			return true
		}
		outer, ok := exprStmt.X.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := outer.Fun.(*ast.SelectorExpr)
		if !ok || sel.Sel.Name != "Requires" {
			return true
		}

		switch recv := sel.X.(type) {
		case *ast.CallExpr:
			// Chained form: f.Task("name", ...).Requires(other).
			recvName, td := tryParseTaskCall(recv, flowVars)
			if td == nil {
				return true
			}
			owner := flowVars[recvName]
			owner.Tasks = append(owner.Tasks, *td)
			for _, arg := range outer.Args {
				argName := taskHandleIdentName(arg)
				if fromTd, ok := taskVars[argName]; ok {
					owner.Edges = append(owner.Edges, EdgeDef{From: fromTd.Name, To: td.Name})
				}
			}
		case *ast.Ident:
			// Plain statement form: transform.Requires(extract), where
			// transform was already bound by an earlier assignment.
			td, ok := taskVars[recv.Name]
			if !ok {
				return true
			}
			owner := taskOwner[recv.Name]
			for _, arg := range outer.Args {
				argName := taskHandleIdentName(arg)
				if fromTd, ok := taskVars[argName]; ok {
					owner.Edges = append(owner.Edges, EdgeDef{From: fromTd.Name, To: td.Name})
				}
			}
		}
		return true
	})

	if def.Name == "" {
		return nil, fmt.Errorf("parse %s: no flow.New(...) call found", path)
	}
	return def, nil
}

func tryParseFlowNew(call *ast.CallExpr, alias string) *FlowDef {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || identName(sel.X) != alias || sel.Sel.Name != "New" {
		return nil
	}
	if len(call.Args) == 0 {
		return nil
	}
	fd := &FlowDef{Name: stringLit(call.Args[0])}
	for _, arg := range call.Args[1:] {
		applyFlowOption(fd, arg)
	}
	return fd
}

func applyFlowOption(fd *FlowDef, arg ast.Expr) {
	call, ok := arg.(*ast.CallExpr)
	if !ok {
		return
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return
	}
	switch sel.Sel.Name {
	case "WithDescription":
		if len(call.Args) == 1 {
			fd.Description = stringLit(call.Args[0])
		}
	case "WithCron":
		for _, a := range call.Args {
			fd.CronExprs = append(fd.CronExprs, stringLit(a))
		}
	case "WithMaxDelay":
		if len(call.Args) == 1 {
			if d, ok := durationLit(call.Args[0]); ok {
				fd.MaxDelay = &d
			}
		}
	case "WithActive":
		if len(call.Args) == 1 {
			if b, ok := boolLit(call.Args[0]); ok {
				fd.Active = &b
			}
		}
	}
}

// tryParseTaskCall matches `<flowVar>.Task("name", taskExpr, opts...)`.
// It returns the flow variable's name and the parsed TaskDef, or ("", nil)
// if call doesn't match that shape.
func tryParseTaskCall(call *ast.CallExpr, flowVars map[string]*FlowDef) (string, *TaskDef) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Task" {
		return "", nil
	}
	recvName := identName(sel.X)
	if _, ok := flowVars[recvName]; !ok {
		return "", nil
	}
	if len(call.Args) < 2 {
		return "", nil
	}
	td := &TaskDef{Name: stringLit(call.Args[0])}
	for _, arg := range call.Args[2:] {
		applyTaskOption(td, arg)
	}
	return recvName, td
}

func applyTaskOption(td *TaskDef, arg ast.Expr) {
	call, ok := arg.(*ast.CallExpr)
	if !ok {
		return
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return
	}
	switch sel.Sel.Name {
	case "WithRetry":
		if len(call.Args) == 2 {
			if n, ok := intLit(call.Args[0]); ok {
				td.RetryMax = n
			}
			if d, ok := durationLit(call.Args[1]); ok {
				td.RetryDelay = d
			}
		}
	case "WithConfig":
		td.Config = mapLit(arg)
	}
}

// tryParseRequires matches `<taskVar>.Requires(other, ...)` and returns
// the dependent task's variable name plus the names of its upstreams.
func tryParseRequires(call *ast.CallExpr, taskVars map[string]*TaskDef) (string, []string) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Requires" {
		return "", nil
	}
	recvName := identName(sel.X)
	if _, ok := taskVars[recvName]; !ok {
		return "", nil
	}
	var froms []string
	for _, a := range call.Args {
		if name := identName(a); name != "" {
			if td, ok := taskVars[name]; ok {
				froms = append(froms, td.Name)
			}
		}
	}
	return recvName, froms
}

func taskHandleIdentName(arg ast.Expr) string {
	// Best-effort: only resolves a direct identifier argument, which covers
	// the common `b.Requires(a)` shape; a nested call expression argument
	// is not resolved since it has no bound variable name to look up.
	return identName(arg)
}

func identName(e ast.Expr) string {
	id, ok := e.(*ast.Ident)
	if !ok {
		return ""
	}
	return id.Name
}

func stringLit(e ast.Expr) string {
	lit, ok := e.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return ""
	}
	s, _ := strconv.Unquote(lit.Value)
	return s
}

func intLit(e ast.Expr) (int, bool) {
	lit, ok := e.(*ast.BasicLit)
	if !ok || lit.Kind != token.INT {
		return 0, false
	}
	n, err := strconv.Atoi(lit.Value)
	return n, err == nil
}

func boolLit(e ast.Expr) (bool, bool) {
	id, ok := e.(*ast.Ident)
	if !ok {
		return false, false
	}
	switch id.Name {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// durationLit evaluates the common `N * time.Unit` / `time.Unit * N`
// shapes used to write a time.Duration literal in a flow declaration.
func durationLit(e ast.Expr) (time.Duration, bool) {
	bin, ok := e.(*ast.BinaryExpr)
	if !ok || bin.Op != token.MUL {
		return 0, false
	}
	n, unit, ok := splitDurationOperands(bin.X, bin.Y)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

func splitDurationOperands(a, b ast.Expr) (int, time.Duration, bool) {
	if n, ok := intLit(a); ok {
		if unit, ok := timeUnit(b); ok {
			return n, unit, true
		}
	}
	if n, ok := intLit(b); ok {
		if unit, ok := timeUnit(a); ok {
			return n, unit, true
		}
	}
	return 0, 0, false
}

func timeUnit(e ast.Expr) (time.Duration, bool) {
	sel, ok := e.(*ast.SelectorExpr)
	if !ok || identName(sel.X) != "time" {
		return 0, false
	}
	switch sel.Sel.Name {
	case "Second":
		return time.Second, true
	case "Minute":
		return time.Minute, true
	case "Hour":
		return time.Hour, true
	case "Millisecond":
		return time.Millisecond, true
	default:
		return 0, false
	}
}

// mapLit evaluates a `map[string]any{...}` composite literal passed to
// WithConfig into a live map; only literal keys/values are supported,
// matching the "statically extracted, never executed" constraint.
func mapLit(arg ast.Expr) map[string]any {
	call, ok := arg.(*ast.CallExpr)
	if !ok || len(call.Args) != 1 {
		return nil
	}
	comp, ok := call.Args[0].(*ast.CompositeLit)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(comp.Elts))
	for _, elt := range comp.Elts {
		kv, ok := elt.(*ast.KeyValueExpr)
		if !ok {
			continue
		}
		key := stringLit(kv.Key)
		if key == "" {
			continue
		}
		out[key] = literalValue(kv.Value)
	}
	return out
}

func literalValue(e ast.Expr) any {
	switch v := e.(type) {
	case *ast.BasicLit:
		switch v.Kind {
		case token.STRING:
			s, _ := strconv.Unquote(v.Value)
			return s
		case token.INT:
			n, _ := strconv.Atoi(v.Value)
			return n
		case token.FLOAT:
			f, _ := strconv.ParseFloat(v.Value, 64)
			return f
		}
	case *ast.Ident:
		if b, ok := boolLit(v); ok {
			return b
		}
	}
	return nil
}

func unquote(s string) string {
	v, err := strconv.Unquote(s)
	if err != nil {
		return s
	}
	return v
}
