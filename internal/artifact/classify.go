package artifact

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	codeDensityThreshold = 0.3
	proseRatioThreshold  = 0.6
)

var diagramLanguages = map[string]bool{
	"mermaid": true, "dot": true, "plantuml": true, "d2": true,
}

var proseLanguages = map[string]bool{
	"markdown": true, "text": true, "rst": true,
}

var codeLanguages = map[string]bool{
	"python": true, "go": true, "javascript": true, "typescript": true, "jsx": true, "tsx": true,
	"java": true, "kotlin": true, "swift": true, "rust": true, "c": true, "cpp": true,
	"csharp": true, "ruby": true, "php": true, "bash": true, "powershell": true, "sql": true,
	"html": true, "css": true, "scss": true, "json": true, "yaml": true, "toml": true,
	"xml": true, "dockerfile": true, "makefile": true, "lua": true, "r": true, "scala": true,
	"haskell": true, "elixir": true, "erlang": true, "clojure": true, "perl": true, "dart": true,
	"objectivec": true, "vue": true, "graphql": true, "proto": true, "terraform": true,
	"ini": true, "diff": true, "nginx": true, "zig": true, "solidity": true,
}

var languageAliases = map[string]string{
	"py": "python", "python3": "python", "py3": "python",
	"js": "javascript", "node": "javascript", "mjs": "javascript", "cjs": "javascript",
	"ts": "typescript",
	"sh": "bash", "shell": "bash", "zsh": "bash", "console": "bash", "shell-session": "bash",
	"golang": "go",
	"yml":    "yaml",
	"rb":     "ruby",
	"rs":     "rust",
	"c++": "cpp", "cc": "cpp", "cxx": "cpp", "hpp": "cpp",
	"cs": "csharp", "c#": "csharp",
	"kt": "kotlin",
	"ps1": "powershell", "pwsh": "powershell",
	"docker": "dockerfile",
	"make":   "makefile",
	"tf": "terraform", "hcl": "terraform",
	"htm": "html",
	"md":  "markdown",
	"txt": "text", "plain": "text", "plaintext": "text",
	"gv": "dot", "graphviz": "dot",
	"puml": "plantuml",
	"objc": "objectivec",
	"protobuf": "proto", "proto3": "proto",
	"patch": "diff",
}

var diagramPrefixes = []string{
	"graph ", "graph\t", "flowchart", "sequenceDiagram", "classDiagram", "stateDiagram",
	"erDiagram", "gantt", "journey", "gitGraph", "mindmap", "pie",
	"digraph", "strict digraph", "@startuml", "@startmindmap",
}

var (
	codeKeywordRe = regexp.MustCompile(`^\s*(def|class|func|function|return|import|from|package|if|elif|else|for|while|switch|case|let|const|var|public|private|protected|static|try|catch|except|finally|using|namespace|struct|enum|interface|fn|pub|impl|async|await|#include)\b`)
	codeShapeRe   = regexp.MustCompile(`([;{}]\s*$)|(\)\s*:?\s*$)|(^\s*[\w.\[\]"']+\s*:?=\s*\S)|(=>|->|::|&&|\|\|)`)
	sqlRe         = regexp.MustCompile(`(?i)^\s*(select|insert|update|delete|create|alter|drop)\s`)
)

// Classify decides an artifact's kind and normalized language from the fence
// annotation and the block content. An annotation always wins over content
// shape.
func Classify(info, content string) (Kind, string) {
	lang := NormalizeLanguage(info)

	switch {
	case lang == "spec":
		return KindSpec, LanguageUnknown
	case lang == "diagram":
		return KindDiagram, LanguageUnknown
	case lang == "code":
		return KindCode, LanguageUnknown
	case diagramLanguages[lang]:
		return KindDiagram, lang
	case proseLanguages[lang]:
		return KindSpec, lang
	case codeLanguages[lang]:
		return KindCode, lang
	}

	return classifyShape(content), lang
}

// NormalizeLanguage maps a fence info string to a lowercase language tag.
func NormalizeLanguage(info string) string {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return LanguageUnknown
	}
	tag := strings.ToLower(fields[0])
	tag = strings.TrimPrefix(tag, "{")
	tag = strings.TrimPrefix(tag, ".")
	tag = strings.TrimSuffix(tag, "}")
	if i := strings.IndexAny(tag, ",:"); i > 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return LanguageUnknown
	}
	if alias, ok := languageAliases[tag]; ok {
		return alias
	}
	return tag
}

func classifyShape(content string) Kind {
	lines := nonEmptyLines(content)
	if len(lines) == 0 {
		return KindOther
	}

	first := strings.TrimSpace(lines[0])
	for _, p := range diagramPrefixes {
		if strings.HasPrefix(first, p) {
			return KindDiagram
		}
	}

	var code, prose int
	for _, l := range lines {
		switch {
		case looksLikeCode(l):
			code++
		case looksLikeProse(l):
			prose++
		}
	}
	n := float64(len(lines))
	if float64(code)/n >= codeDensityThreshold {
		return KindCode
	}
	if float64(prose)/n >= proseRatioThreshold {
		return KindSpec
	}
	return KindOther
}

func looksLikeCode(line string) bool {
	return codeKeywordRe.MatchString(line) || codeShapeRe.MatchString(line) || sqlRe.MatchString(line)
}

func looksLikeProse(line string) bool {
	t := strings.TrimSpace(line)
	t = strings.TrimLeft(t, "#*->0123456789. ")
	if len(strings.Fields(t)) < 4 {
		return false
	}
	var letters, total int
	for _, r := range t {
		total++
		if unicode.IsLetter(r) || unicode.IsSpace(r) || strings.ContainsRune(",.'!?", r) {
			letters++
		}
	}
	return float64(letters)/float64(total) >= 0.85
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
