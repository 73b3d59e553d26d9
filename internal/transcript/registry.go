package transcript

import (
	"fmt"
	"sync"
)

// Parser converts one export format into canonical conversations.
// Implementations must be pure, order-preserving and must derive
// conversation ids from source identifiers so re-parsing is stable.
type Parser interface {
	Name() string
	Source() Source
	// Sniff reports whether data looks like this format. It inspects content
	// only; exports are often renamed.
	Sniff(data []byte) bool
	Parse(raw RawExport) ([]Conversation, []Diagnostic)
}

// Registry dispatches raw exports to the first parser that claims them.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
}

// NewRegistry creates a registry that tries parsers in the given order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: append([]Parser(nil), parsers...)}
}

// DefaultRegistry knows every built-in export format. Structured formats are
// sniffed before Markdown because a JSON blob may contain headings in its
// message text.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ChatGPTParser{},
		ClaudeCodeParser{},
		GatewayParser{},
		MarkdownParser{},
	)
}

// Register appends a parser. Later registrations have lower priority.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
}

// Detect returns the parser that claims data, or nil.
func (r *Registry) Detect(data []byte) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.Sniff(data) {
			return p
		}
	}
	return nil
}

// Parse never fails: malformed or unknown content comes back as diagnostics
// alongside whatever conversations could be salvaged.
func (r *Registry) Parse(raw RawExport) (convs []Conversation, diags []Diagnostic) {
	p := r.Detect(raw.Data)
	if p == nil {
		return nil, []Diagnostic{{
			Format:  "unknown",
			Path:    raw.OriginPath,
			Message: "unrecognized_format: no parser matched the export content",
		}}
	}
	raw.SourceFormat = p.Name()

	defer func() {
		if rec := recover(); rec != nil {
			convs = nil
			diags = append(diags, Diagnostic{
				Format:  p.Name(),
				Path:    raw.OriginPath,
				Message: fmt.Sprintf("parser panic: %v", rec),
			})
		}
	}()

	convs, diags = p.Parse(raw)
	for i := range diags {
		if diags[i].Format == "" {
			diags[i].Format = p.Name()
		}
		if diags[i].Path == "" {
			diags[i].Path = raw.OriginPath
		}
	}
	return convs, diags
}
