// Package sdkemitter generates sandbox-targeted source that exposes
// discovered tools as a namespaced object, per flavor, with a constrained
// "$raw" escape hatch. text/template + embed.FS mirrors the teacher's
// codegen/mcp templates.Read/MustRender shape.
package sdkemitter

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/conduit-run/conduit/policy"
)

//go:embed templates/*.go.tpl
var templateFS embed.FS

// Flavor selects the target language and execution shape of the emitted SDK.
type Flavor string

const (
	// FlavorScript targets the TS-like async sandbox flavor.
	FlavorScript Flavor = "script"
	// FlavorPy targets the synchronous secondary scripting flavor.
	FlavorPy Flavor = "py"
	// FlavorIsolate targets the in-process pure-compute flavor.
	FlavorIsolate Flavor = "isolate"
)

// ToolBinding is a single discovered tool, stub form, to be wired into the
// emitted SDK.
type ToolBinding struct {
	Namespace string
	Name      string
}

type templates struct{ fs fs.FS }

var sdkTemplates = &templates{fs: templateFS}

func (t *templates) read(name string) string {
	content, err := fs.ReadFile(t.fs, path.Join("templates", name+".go.tpl"))
	if err != nil {
		panic(fmt.Sprintf("sdkemitter: failed to load template %s: %v", name, err))
	}
	return string(content)
}

type templateData struct {
	AllowlistLiteral string
	ToolsBody        string
}

// Emit renders the SDK source for bindings restricted to allow (nil means
// unrestricted) targeting flavor. Emission is deterministic for a given
// (bindings, allow) pair: bindings are sorted before rendering.
func Emit(bindings []ToolBinding, allow []policy.Pattern, flavor Flavor) (string, error) {
	name, err := templateNameFor(flavor)
	if err != nil {
		return "", err
	}

	sorted := make([]ToolBinding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Namespace != sorted[j].Namespace {
			return sorted[i].Namespace < sorted[j].Namespace
		}
		return sorted[i].Name < sorted[j].Name
	})

	data := templateData{
		AllowlistLiteral: allowlistLiteral(allow),
		ToolsBody:        toolsBody(sorted, flavor),
	}

	tmpl, err := template.New("sdkemitter").Parse(sdkTemplates.read(name))
	if err != nil {
		return "", fmt.Errorf("sdkemitter: parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("sdkemitter: render template %s: %w", name, err)
	}
	return buf.String(), nil
}

func templateNameFor(flavor Flavor) (string, error) {
	switch flavor {
	case FlavorScript:
		return "script", nil
	case FlavorPy:
		return "py", nil
	case FlavorIsolate:
		return "isolate", nil
	default:
		return "", fmt.Errorf("sdkemitter: unknown flavor %q", flavor)
	}
}

func allowlistLiteral(allow []policy.Pattern) string {
	if allow == nil {
		return "null"
	}
	raw := make([]string, len(allow))
	for i, p := range allow {
		raw[i] = p.String()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		// raw is a []string; Marshal cannot fail on it.
		return "[]"
	}
	return string(encoded)
}

// toolsBody generates the per-namespace/per-method wiring statements, in the
// target language selected by flavor.
func toolsBody(bindings []ToolBinding, flavor Flavor) string {
	switch flavor {
	case FlavorPy:
		return pythonToolsBody(bindings)
	case FlavorIsolate:
		var b strings.Builder
		seenNamespace := make(map[string]bool)
		for _, binding := range bindings {
			nsAccessor := jsAccessor("tools", binding.Namespace)
			if !seenNamespace[binding.Namespace] {
				seenNamespace[binding.Namespace] = true
				fmt.Fprintf(&b, "  %s = {};\n", nsAccessor)
			}
			qualified := binding.Namespace + "__" + binding.Name
			fmt.Fprintf(&b, "  %s = function (args) {\n    return JSON.parse(__callTool(%q, JSON.stringify(args)));\n  };\n", jsAccessor(nsAccessor, binding.Name), qualified)
		}
		return b.String()
	default:
		return jsToolsBody(bindings)
	}
}

func jsToolsBody(bindings []ToolBinding) string {
	var b strings.Builder
	seenNamespace := make(map[string]bool)
	for _, binding := range bindings {
		nsAccessor := jsAccessor("tools", binding.Namespace)
		if !seenNamespace[binding.Namespace] {
			seenNamespace[binding.Namespace] = true
			fmt.Fprintf(&b, "  %s = {};\n", nsAccessor)
		}
		methodAccessor := jsAccessor(nsAccessor, binding.Name)
		qualified := binding.Namespace + "__" + binding.Name
		fmt.Fprintf(&b, "  %s = async function (args) {\n    return await __internalCallTool(%q, args);\n  };\n", methodAccessor, qualified)
	}
	return b.String()
}

func jsAccessor(base, name string) string {
	if isValidJSIdentifier(name) {
		return base + "." + name
	}
	return fmt.Sprintf("%s[%q]", base, name)
}

// pySafeKey guarantees key is a valid Python identifier, so both the
// setattr/getattr access path and literal dot access (for callers emitting
// their own code against the SDK) work. Snake-casing only lowercases and
// inserts underscores, so the one case it can't fix is a leading digit.
func pySafeKey(key string) string {
	if isValidPyIdentifier(key) {
		return key
	}
	return "_" + key
}

func pythonToolsBody(bindings []ToolBinding) string {
	var b strings.Builder
	seenNamespace := make(map[string]bool)
	for _, binding := range bindings {
		nsKey := pySafeKey(toSnakeCase(binding.Namespace))
		if !seenNamespace[nsKey] {
			seenNamespace[nsKey] = true
			fmt.Fprintf(&b, "setattr(tools, %q, _ConduitNamespace())\n", nsKey)
		}
		methodKey := pySafeKey(toSnakeCase(binding.Name))
		qualified := binding.Namespace + "__" + binding.Name
		fmt.Fprintf(&b, "setattr(getattr(tools, %q), %q, lambda args, __wire=%q: __internal_call_tool(__wire, args))\n",
			nsKey, methodKey, qualified)
	}
	return b.String()
}
