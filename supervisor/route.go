package supervisor

import "regexp"

// lineCommentRe and blockCommentRe strip comments before the module-keyword
// sniff, so a keyword appearing only inside a comment doesn't force the
// heavier backend.
var (
	lineCommentRe  = regexp.MustCompile(`//[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	moduleKeywordRe = regexp.MustCompile(`\b(import|export)\b`)
	globalTokenRe   = regexp.MustCompile(`\bglobalThis\b`)
)

// needsHeavyBackend implements the routing sniff from the ExecutionSupervisor
// protocol: strip comments, then look for a module keyword (import/export)
// or a reference to the runtime-global token. Either implies the primary
// scripting flavor needs SubprocessBackend rather than IsolateBackend.
func needsHeavyBackend(code string) bool {
	stripped := stripComments(code)
	return moduleKeywordRe.MatchString(stripped) || globalTokenRe.MatchString(stripped)
}

func stripComments(code string) string {
	code = blockCommentRe.ReplaceAllString(code, "")
	code = lineCommentRe.ReplaceAllString(code, "")
	return code
}
