package codegraph

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"cognitron/internal/logging"
	"cognitron/internal/types"
)

// PythonParser wraps one tree-sitter parser instance bound to the Python
// grammar. It is not safe for concurrent use;
// callers hold one per scan worker.
type PythonParser struct {
	parser *sitter.Parser
}

// NewPythonParser builds a parser instance.
func NewPythonParser() *PythonParser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &PythonParser{parser: p}
}

// Close releases the underlying tree-sitter parser.
func (p *PythonParser) Close() { p.parser.Close() }

// ParseFile parses one source file into a ModuleInfo. A syntax error
// yields a stub record carrying the error message and empty structure,
// never a hard failure.
func (p *PythonParser) ParseFile(path string, content []byte) types.ModuleInfo {
	tree, err := p.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		logging.CodeGraphWarn("parse failed for %s: %v", path, err)
		return types.ModuleInfo{Path: path, ParseError: err.Error()}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		logging.CodeGraphWarn("syntax error in %s", path)
		return types.ModuleInfo{Path: path, ParseError: "syntax error"}
	}

	src := string(content)
	mod := types.ModuleInfo{
		Path:      path,
		Classes:   make(map[string]types.ClassInfo),
		Functions: make(map[string]types.MethodInfo),
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "expression_statement":
			if mod.Docstring == "" {
				if doc := moduleDocstring(child, src); doc != "" {
					mod.Docstring = doc
				}
			}
		case "class_definition":
			name, info := extractClass(child, src)
			mod.Classes[name] = info
		case "function_definition":
			name, info := extractFunction(child, src, nil)
			mod.Functions[name] = info
		case "import_statement", "import_from_statement":
			imports, edges := extractImport(child, src)
			mod.Imports = append(mod.Imports, imports...)
			mod.OutgoingEdges = append(mod.OutgoingEdges, edges...)
		}
	}

	return mod
}

func nodeText(n *sitter.Node, src string) string {
	if n == nil {
		return ""
	}
	return n.Content([]byte(src))
}

func moduleDocstring(exprStmt *sitter.Node, src string) string {
	if exprStmt.NamedChildCount() == 0 {
		return ""
	}
	str := exprStmt.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	return stripStringQuotes(nodeText(str, src))
}

func stripStringQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"""`, "'''", `"`, "'"} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return s
}

func functionDocstring(body *sitter.Node, src string) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	return stripStringQuotes(nodeText(str, src))
}

// extractClass extracts bases, docstring, attributes and methods.
func extractClass(node *sitter.Node, src string) (string, types.ClassInfo) {
	nameNode := node.ChildByFieldName("name")
	name := nodeText(nameNode, src)

	info := types.ClassInfo{
		Attributes: make(map[string]string),
		Methods:    make(map[string]types.MethodInfo),
	}

	if sc := node.ChildByFieldName("superclasses"); sc != nil {
		for i := 0; i < int(sc.NamedChildCount()); i++ {
			info.Bases = append(info.Bases, nodeText(sc.NamedChild(i), src))
		}
	}

	body := node.ChildByFieldName("body")
	if body == nil {
		return name, info
	}
	info.Docstring = functionDocstring(body, src)

	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)
		if child.Type() != "function_definition" {
			continue
		}
		methodName, methodInfo := extractFunction(child, src, info.Attributes)
		info.Methods[methodName] = methodInfo
	}
	return name, info
}

// extractFunction extracts signature, docstring, args, return type,
// self.x usages and the resolved call graph.
// attrMap, when non-nil, is the containing class's attribute-type map
// (used when extracting a method): its entries resolve self.x calls in
// this body, and it receives the self.x types inferred here.
func extractFunction(node *sitter.Node, src string, attrMap map[string]string) (string, types.MethodInfo) {
	nameNode := node.ChildByFieldName("name")
	name := nodeText(nameNode, src)

	paramsNode := node.ChildByFieldName("parameters")
	returnNode := node.ChildByFieldName("return_type")
	bodyNode := node.ChildByFieldName("body")

	info := types.MethodInfo{
		ArgTypes: make(map[string]string),
	}
	info.Signature = buildSignature(name, paramsNode, returnNode, src)
	info.Docstring = functionDocstring(bodyNode, src)

	if paramsNode != nil {
		for i := 0; i < int(paramsNode.NamedChildCount()); i++ {
			p := paramsNode.NamedChild(i)
			argName, argType := parseParam(p, src)
			if argName == "" {
				continue
			}
			info.Args = append(info.Args, argName)
			if argType != "" {
				info.ArgTypes[argName] = argType
			}
		}
	}
	if returnNode != nil {
		info.ReturnType = nodeText(returnNode, src)
	}

	localAttrTypes := make(map[string]string)
	for k, v := range attrMap {
		localAttrTypes[k] = v
	}
	if bodyNode != nil {
		walkFunctionBody(bodyNode, src, &info, localAttrTypes)
	}
	if attrMap != nil {
		for k, v := range localAttrTypes {
			attrMap[k] = v
		}
	}
	return name, info
}

func buildSignature(name string, params, ret *sitter.Node, src string) string {
	sig := "def " + name
	if params != nil {
		sig += nodeText(params, src)
	} else {
		sig += "()"
	}
	if ret != nil {
		sig += " -> " + nodeText(ret, src)
	}
	return sig + ":"
}

func parseParam(p *sitter.Node, src string) (string, string) {
	switch p.Type() {
	case "identifier":
		return nodeText(p, src), ""
	case "typed_parameter":
		nameNode := p.NamedChild(0)
		typeNode := p.ChildByFieldName("type")
		return nodeText(nameNode, src), nodeText(typeNode, src)
	case "default_parameter", "typed_default_parameter":
		nameNode := p.ChildByFieldName("name")
		typeNode := p.ChildByFieldName("type")
		return nodeText(nameNode, src), nodeText(typeNode, src)
	}
	return "", ""
}

// walkFunctionBody recurses through a function body recording self.x
// usages, self.x = Name(...) attribute-type inference, and resolved call
// edges.
func walkFunctionBody(n *sitter.Node, src string, info *types.MethodInfo, attrTypes map[string]string) {
	var walk func(*sitter.Node)
	walk = func(node *sitter.Node) {
		switch node.Type() {
		case "assignment":
			left := node.ChildByFieldName("left")
			right := node.ChildByFieldName("right")
			if left != nil && isSelfAttribute(left, src) {
				attr := selfAttributeName(left, src)
				info.VariablesUsed = appendUnique(info.VariablesUsed, "self."+attr)
				if right != nil && right.Type() == "call" {
					inferred := inferredCalleeName(right, src)
					if inferred != "" {
						attrTypes[attr] = inferred
					}
				}
			}
		case "attribute":
			if isSelfAttribute(node, src) {
				attr := selfAttributeName(node, src)
				info.VariablesUsed = appendUnique(info.VariablesUsed, "self."+attr)
			}
		case "call":
			if edge, ok := resolveCallEdge(node, src, attrTypes); ok {
				info.Calls = append(info.Calls, edge)
			}
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			walk(node.Child(i))
		}
	}
	walk(n)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func isSelfAttribute(n *sitter.Node, src string) bool {
	if n.Type() != "attribute" {
		return false
	}
	obj := n.ChildByFieldName("object")
	return obj != nil && obj.Type() == "identifier" && nodeText(obj, src) == "self"
}

func selfAttributeName(n *sitter.Node, src string) string {
	attr := n.ChildByFieldName("attribute")
	return nodeText(attr, src)
}

// inferredCalleeName returns the called function/attribute name for a
// `self.x = Name(...)` or `self.x = obj.attr(...)` assignment, per
// the attribute-type inference rule: the called function or attribute
// name becomes the inferred type.
func inferredCalleeName(call *sitter.Node, src string) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return nodeText(fn, src)
	case "attribute":
		attr := fn.ChildByFieldName("attribute")
		return nodeText(attr, src)
	}
	return ""
}

// resolveCallEdge resolves one Call node into a CallEdge per the three
// cases: self.attr.method(), obj.method(), and
// bare name().
func resolveCallEdge(call *sitter.Node, src string, attrTypes map[string]string) (types.CallEdge, bool) {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return types.CallEdge{}, false
	}
	line := int(call.StartPoint().Row) + 1

	switch fn.Type() {
	case "identifier":
		return types.CallEdge{Function: nodeText(fn, src), Line: line, ResolvedFrom: "global"}, true
	case "attribute":
		obj := fn.ChildByFieldName("object")
		method := nodeText(fn.ChildByFieldName("attribute"), src)
		if obj == nil {
			return types.CallEdge{}, false
		}
		if isSelfAttribute(obj, src) {
			attr := selfAttributeName(obj, src)
			module := attrTypes[attr]
			return types.CallEdge{
				Module: module, Function: method, Line: line,
				ResolvedFrom: fmt.Sprintf("self.%s", attr),
			}, true
		}
		if obj.Type() == "identifier" {
			return types.CallEdge{
				Module: nodeText(obj, src), Function: method, Line: line,
				ResolvedFrom: nodeText(obj, src),
			}, true
		}
	}
	return types.CallEdge{}, false
}

// extractImport extracts the dotted module names and first-segment
// outgoing edges from an Import/ImportFrom statement.
func extractImport(node *sitter.Node, src string) (imports []string, edges []string) {
	switch node.Type() {
	case "import_statement":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() == "dotted_name" || child.Type() == "aliased_import" {
				name := nodeText(child, src)
				name = strings.Fields(name)[0]
				imports = append(imports, name)
				edges = append(edges, firstSegment(name))
			}
		}
	case "import_from_statement":
		moduleNode := node.ChildByFieldName("module_name")
		if moduleNode != nil {
			name := nodeText(moduleNode, src)
			imports = append(imports, name)
			edges = append(edges, firstSegment(name))
		}
	}
	return imports, edges
}

func firstSegment(dotted string) string {
	if idx := strings.Index(dotted, "."); idx >= 0 {
		return dotted[:idx]
	}
	return dotted
}
