package symbols

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/protocol"
)

// Match is a symbol found by FindSymbolsByName, normalized from either the
// hierarchical DocumentSymbol shape or the flat SymbolInformation shape a
// server may answer documentSymbol with.
type Match struct {
	Name          string
	Kind          protocol.SymbolKind
	ContainerName string
	Location      protocol.Location
}

// kindByName is the reverse of SymbolKind.KindName, built once from the
// closed enum so an unrecognized filter string can be detected rather than
// silently matching nothing.
var kindByName = func() map[string]protocol.SymbolKind {
	m := make(map[string]protocol.SymbolKind, len(protocol.AllSymbolKinds))
	for _, k := range protocol.AllSymbolKinds {
		m[k.KindName()] = k
	}
	return m
}()

// FindSymbolsByName requests the document symbol outline for docURI, flattens
// it (depth-first, parent before child, for the hierarchical shape), filters
// by name (exact or substring match) and optionally by kind, and returns the
// matches plus any warnings a caller should surface (an unrecognized kind
// filter, or a kind filter that eliminated every match).
//
// filePath is used only to resolve the precise symbol-name position within
// a flat SymbolInformation's range, which carries no separate selection
// range the way DocumentSymbol does; it may be empty if docURI never
// resolves to a flat result (callers that already know the shape can skip
// the read).
func FindSymbolsByName(ctx context.Context, c Caller, docURI protocol.DocumentUri, filePath, name, kind string) ([]Match, []string, error) {
	hierarchical, flat, err := DocumentSymbols(ctx, c, docURI)
	if err != nil {
		return nil, nil, err
	}

	var all []Match
	if hierarchical != nil {
		for _, sym := range hierarchical {
			all = append(all, flattenOne(sym, docURI, "")...)
		}
	} else {
		all = flattenInformation(flat, filePath)
	}

	var warnings []string
	nameFiltered := filterByName(all, name)

	if kind == "" {
		return nameFiltered, warnings, nil
	}
	wantKind, known := kindByName[strings.ToLower(kind)]
	if !known {
		warnings = append(warnings, "unknown symbol kind "+kind+": ignoring kind filter")
		return nameFiltered, warnings, nil
	}

	kindFiltered := make([]Match, 0, len(nameFiltered))
	seen := map[string]bool{}
	for _, m := range nameFiltered {
		if m.Kind == wantKind {
			kindFiltered = append(kindFiltered, m)
		}
		seen[m.Kind.KindName()] = true
	}
	if len(kindFiltered) == 0 && len(nameFiltered) > 0 {
		observed := make([]string, 0, len(seen))
		for k := range seen {
			observed = append(observed, k)
		}
		warnings = append(warnings, "no matches of kind "+kind+"; observed kinds: "+strings.Join(observed, ", "))
		return nameFiltered, warnings, nil
	}
	return kindFiltered, warnings, nil
}

func filterByName(all []Match, name string) []Match {
	if name == "" {
		return all
	}
	out := make([]Match, 0, len(all))
	for _, m := range all {
		if m.Name == name || strings.Contains(m.Name, name) {
			out = append(out, m)
		}
	}
	return out
}

func flattenOne(sym protocol.DocumentSymbol, docURI protocol.DocumentUri, container string) []Match {
	matches := []Match{{
		Name:          sym.Name,
		Kind:          sym.Kind,
		ContainerName: container,
		Location:      protocol.Location{URI: docURI, Range: sym.SelectionRange},
	}}
	for _, child := range sym.Children {
		matches = append(matches, flattenOne(child, docURI, sym.Name)...)
	}
	return matches
}

func flattenInformation(infos []protocol.SymbolInformation, filePath string) []Match {
	var lines []string
	if filePath != "" {
		if content, err := os.ReadFile(filePath); err == nil {
			lines = strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
		}
	}

	out := make([]Match, 0, len(infos))
	for _, info := range infos {
		loc := info.Location
		loc.Range.Start = namePosition(lines, info.Name, info.Location.Range)
		out = append(out, Match{Name: info.Name, Kind: info.Kind, ContainerName: info.ContainerName, Location: loc})
	}
	return out
}

// namePosition scans the lines spanned by r for the first occurrence of
// name, clamped by r.Start.Character on the first line and r.End.Character
// on the last, falling back to r.Start when the name can't be found (no
// file content available, or the name genuinely isn't literal text within
// the range, e.g. a synthesized symbol).
func namePosition(lines []string, name string, r protocol.Range) protocol.Position {
	if len(lines) == 0 || name == "" {
		return r.Start
	}
	for line := r.Start.Line; line <= r.End.Line && int(line) < len(lines); line++ {
		text := lines[line]
		runes := []rune(text)
		lo, hi := 0, len(runes)
		if line == r.Start.Line {
			lo = int(r.Start.Character)
		}
		if line == r.End.Line {
			hi = int(r.End.Character)
		}
		if lo < 0 {
			lo = 0
		}
		if hi > len(runes) {
			hi = len(runes)
		}
		if lo > hi {
			continue
		}
		segment := string(runes[lo:hi])
		if idx := strings.Index(segment, name); idx >= 0 {
			// idx is a byte offset into segment; convert back to a rune
			// offset before adding to lo since character positions are
			// counted in UTF-16 units, and ASCII-range symbol names keep
			// that arithmetic simple for both rune and UTF-16 counting.
			runeOffset := len([]rune(segment[:idx]))
			return protocol.Position{Line: line, Character: uint32(lo + runeOffset)}
		}
	}
	return r.Start
}

// --- Thin wrappers: the rest of §6's sent methods, each following the same
// shape find_definition/find_references/rename already use (send, decode,
// return). These exist so the breadth of methods §6 lists as sent/received
// has a concrete, testable home even though §4 only narrates a handful of
// them in depth.

func Hover(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position) (*protocol.Hover, error) {
	params := protocol.HoverParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Position: pos}
	var hover protocol.Hover
	if err := c.Call(ctx, "textDocument/hover", params, &hover); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/hover", err)
	}
	return &hover, nil
}

// Completion requests completions at pos. Servers may answer with either a
// CompletionList or a bare CompletionItem array; both decode to the list
// form here.
func Completion(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position) (protocol.CompletionList, error) {
	params := protocol.CompletionParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Position: pos}
	var raw json.RawMessage
	if err := c.Call(ctx, "textDocument/completion", params, &raw); err != nil {
		return protocol.CompletionList{}, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/completion", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return protocol.CompletionList{}, nil
	}
	var list protocol.CompletionList
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var items []protocol.CompletionItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return protocol.CompletionList{}, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "decode completion result", err)
	}
	return protocol.CompletionList{Items: items}, nil
}

func SignatureHelp(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position) (*protocol.SignatureHelp, error) {
	params := protocol.SignatureHelpParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Position: pos}
	var help protocol.SignatureHelp
	if err := c.Call(ctx, "textDocument/signatureHelp", params, &help); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/signatureHelp", err)
	}
	return &help, nil
}

func CodeActions(ctx context.Context, c Caller, docURI protocol.DocumentUri, r protocol.Range, diags []protocol.Diagnostic) ([]protocol.CodeAction, error) {
	params := protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Range:        r,
		Context:      protocol.CodeActionContext{Diagnostics: diags},
	}
	var actions []protocol.CodeAction
	if err := c.Call(ctx, "textDocument/codeAction", params, &actions); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/codeAction", err)
	}
	return actions, nil
}

func Format(ctx context.Context, c Caller, docURI protocol.DocumentUri, opts protocol.FormattingOptions) ([]protocol.TextEdit, error) {
	params := protocol.DocumentFormattingParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Options: opts}
	var edits []protocol.TextEdit
	if err := c.Call(ctx, "textDocument/formatting", params, &edits); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/formatting", err)
	}
	return edits, nil
}

func FoldingRanges(ctx context.Context, c Caller, docURI protocol.DocumentUri) ([]protocol.FoldingRange, error) {
	params := protocol.FoldingRangeParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	var ranges []protocol.FoldingRange
	if err := c.Call(ctx, "textDocument/foldingRange", params, &ranges); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/foldingRange", err)
	}
	return ranges, nil
}

func DocumentLinks(ctx context.Context, c Caller, docURI protocol.DocumentUri) ([]protocol.DocumentLink, error) {
	params := protocol.DocumentLinkParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	var links []protocol.DocumentLink
	if err := c.Call(ctx, "textDocument/documentLink", params, &links); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/documentLink", err)
	}
	return links, nil
}

func InlayHints(ctx context.Context, c Caller, docURI protocol.DocumentUri, r protocol.Range) ([]protocol.InlayHint, error) {
	params := protocol.InlayHintParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Range: r}
	var hints []protocol.InlayHint
	if err := c.Call(ctx, "textDocument/inlayHint", params, &hints); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/inlayHint", err)
	}
	return hints, nil
}

func SemanticTokensFull(ctx context.Context, c Caller, docURI protocol.DocumentUri) (protocol.SemanticTokens, error) {
	params := protocol.SemanticTokensParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	var tokens protocol.SemanticTokens
	if err := c.Call(ctx, "textDocument/semanticTokens/full", params, &tokens); err != nil {
		return protocol.SemanticTokens{}, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/semanticTokens/full", err)
	}
	return tokens, nil
}

func PrepareCallHierarchy(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position) ([]protocol.CallHierarchyItem, error) {
	params := protocol.CallHierarchyPrepareParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Position: pos}
	var items []protocol.CallHierarchyItem
	if err := c.Call(ctx, "textDocument/prepareCallHierarchy", params, &items); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/prepareCallHierarchy", err)
	}
	return items, nil
}

func IncomingCalls(ctx context.Context, c Caller, item protocol.CallHierarchyItem) ([]protocol.CallHierarchyIncomingCall, error) {
	params := protocol.CallHierarchyIncomingCallsParams{Item: item}
	var calls []protocol.CallHierarchyIncomingCall
	if err := c.Call(ctx, "callHierarchy/incomingCalls", params, &calls); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "callHierarchy/incomingCalls", err)
	}
	return calls, nil
}

func OutgoingCalls(ctx context.Context, c Caller, item protocol.CallHierarchyItem) ([]protocol.CallHierarchyOutgoingCall, error) {
	params := protocol.CallHierarchyOutgoingCallsParams{Item: item}
	var calls []protocol.CallHierarchyOutgoingCall
	if err := c.Call(ctx, "callHierarchy/outgoingCalls", params, &calls); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "callHierarchy/outgoingCalls", err)
	}
	return calls, nil
}

func PrepareTypeHierarchy(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position) ([]protocol.TypeHierarchyItem, error) {
	params := protocol.TypeHierarchyPrepareParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Position: pos}
	var items []protocol.TypeHierarchyItem
	if err := c.Call(ctx, "textDocument/prepareTypeHierarchy", params, &items); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/prepareTypeHierarchy", err)
	}
	return items, nil
}

func Supertypes(ctx context.Context, c Caller, item protocol.TypeHierarchyItem) ([]protocol.TypeHierarchyItem, error) {
	params := protocol.TypeHierarchySupertypesParams{Item: item}
	var items []protocol.TypeHierarchyItem
	if err := c.Call(ctx, "typeHierarchy/supertypes", params, &items); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "typeHierarchy/supertypes", err)
	}
	return items, nil
}

func Subtypes(ctx context.Context, c Caller, item protocol.TypeHierarchyItem) ([]protocol.TypeHierarchyItem, error) {
	params := protocol.TypeHierarchySubtypesParams{Item: item}
	var items []protocol.TypeHierarchyItem
	if err := c.Call(ctx, "typeHierarchy/subtypes", params, &items); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "typeHierarchy/subtypes", err)
	}
	return items, nil
}

func SelectionRanges(ctx context.Context, c Caller, docURI protocol.DocumentUri, positions []protocol.Position) ([]protocol.SelectionRange, error) {
	params := protocol.SelectionRangeParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}, Positions: positions}
	var ranges []protocol.SelectionRange
	if err := c.Call(ctx, "textDocument/selectionRange", params, &ranges); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/selectionRange", err)
	}
	return ranges, nil
}

// PullDiagnostics sends the pull-model textDocument/diagnostic request for
// docURI over c and returns the server's report. It is a plain function, not
// a diagnostics.Puller implementation.
func PullDiagnostics(ctx context.Context, c Caller, docURI protocol.DocumentUri) (protocol.DocumentDiagnosticReport, error) {
	params := protocol.DocumentDiagnosticParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	var report protocol.DocumentDiagnosticReport
	if err := c.Call(ctx, "textDocument/diagnostic", params, &report); err != nil {
		return protocol.DocumentDiagnosticReport{}, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/diagnostic", err)
	}
	return report, nil
}
