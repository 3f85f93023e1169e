// Package symbols implements the Symbol & Position Services: definition and
// reference lookup, workspace/document symbol search, and rename, all
// layered on top of a single Caller abstraction so callers can be tested
// against a fake instead of a live connection.
package symbols

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/protocol"
)

// Caller is the subset of *rpc.Conn this package needs.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
}

// FindDefinition requests the definitions of the symbol at pos in the
// document identified by docURI. Servers may answer with a single Location
// or an array; both shapes are normalized to a slice.
func FindDefinition(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position) ([]protocol.Location, error) {
	params := protocol.DefinitionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Position:     pos,
	}
	var raw json.RawMessage
	if err := c.Call(ctx, "textDocument/definition", params, &raw); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/definition", err)
	}
	return decodeLocations(raw)
}

// FindReferences requests every reference to the symbol at pos.
// includeDeclaration controls whether the declaration site itself is
// included alongside the usages.
func FindReferences(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position, includeDeclaration bool) ([]protocol.Location, error) {
	params := protocol.ReferenceParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Position:     pos,
		Context:      protocol.ReferenceContext{IncludeDeclaration: includeDeclaration},
	}
	var locs []protocol.Location
	if err := c.Call(ctx, "textDocument/references", params, &locs); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/references", err)
	}
	return locs, nil
}

// Rename requests a rename of the symbol at pos to newName and normalizes
// the server's WorkspaceEdit into a flat map from file URI to the edits
// that should be applied to it, regardless of whether the server used the
// "changes" map form or the "documentChanges" array form. CreateFile,
// RenameFile, and DeleteFile entries are reported in the returned skipped
// slice rather than silently dropped, since this bridge's Applier has no
// path for them (see spec Non-goals).
func Rename(ctx context.Context, c Caller, docURI protocol.DocumentUri, pos protocol.Position, newName string) (map[protocol.DocumentUri][]protocol.TextEdit, []string, error) {
	params := protocol.RenameParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Position:     pos,
		NewName:      newName,
	}
	var edit protocol.WorkspaceEdit
	if err := c.Call(ctx, "textDocument/rename", params, &edit); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/rename", err)
	}

	result := make(map[protocol.DocumentUri][]protocol.TextEdit)
	for u, edits := range edit.Changes {
		result[u] = append(result[u], edits...)
	}

	var skipped []string
	for _, dc := range edit.DocumentChanges {
		switch {
		case dc.TextDocumentEdit != nil:
			u := dc.TextDocumentEdit.TextDocument.URI
			result[u] = append(result[u], dc.TextDocumentEdit.Edits...)
		case dc.CreateFile != nil:
			skipped = append(skipped, "create:"+string(dc.CreateFile.URI))
		case dc.RenameFile != nil:
			skipped = append(skipped, "rename:"+string(dc.RenameFile.OldURI)+"->"+string(dc.RenameFile.NewURI))
		case dc.DeleteFile != nil:
			skipped = append(skipped, "delete:"+string(dc.DeleteFile.URI))
		}
	}
	return result, skipped, nil
}

// SearchWorkspaceSymbols runs a workspace/symbol query and returns matches
// filtered to an exact (case-sensitive) name match when exactName is set,
// mirroring the narrowing callers typically want when they already know the
// symbol's name and just need its location.
func SearchWorkspaceSymbols(ctx context.Context, c Caller, query string, exactName bool) ([]protocol.SymbolInformation, error) {
	params := protocol.WorkspaceSymbolParams{Query: query}
	var raw json.RawMessage
	if err := c.Call(ctx, "workspace/symbol", params, &raw); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "workspace/symbol", err)
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}
	var syms []protocol.SymbolInformation
	if err := json.Unmarshal(raw, &syms); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "decode workspace/symbol result", err)
	}
	if !exactName {
		return syms, nil
	}
	filtered := syms[:0]
	for _, s := range syms {
		if s.Name == query {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// DocumentSymbols requests the symbol outline for a document. Servers may
// answer either hierarchically ([]DocumentSymbol, nested) or flatly
// ([]SymbolInformation); this tries hierarchical first and falls back to
// flat, returning whichever one actually decoded.
func DocumentSymbols(ctx context.Context, c Caller, docURI protocol.DocumentUri) ([]protocol.DocumentSymbol, []protocol.SymbolInformation, error) {
	params := protocol.DocumentSymbolParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	var raw json.RawMessage
	if err := c.Call(ctx, "textDocument/documentSymbol", params, &raw); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "textDocument/documentSymbol", err)
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil, nil
	}

	var hierarchical []protocol.DocumentSymbol
	if err := json.Unmarshal(raw, &hierarchical); err == nil && len(hierarchical) > 0 && hierarchical[0].SelectionRange != (protocol.Range{}) {
		return hierarchical, nil, nil
	}

	var flat []protocol.SymbolInformation
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.KindProtocol, "symbols", "decode documentSymbol result", err)
	}
	return nil, flat, nil
}

func decodeLocations(raw json.RawMessage) ([]protocol.Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var many []protocol.Location
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one protocol.Location
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []protocol.Location{one}, nil
}

// FormatSymbolName renders a SymbolInformation/DocumentSymbol kind as the
// lowercase string callers filter and display by.
func FormatSymbolName(kind protocol.SymbolKind) string {
	return kind.KindName()
}

// FormatDocumentSymbol renders a hierarchical DocumentSymbol tree as
// "kind name" lines, indented two spaces per level of depth.
func FormatDocumentSymbol(sym protocol.DocumentSymbol, depth int) []string {
	lines := []string{strings.Repeat("  ", depth) + sym.Kind.KindName() + " " + sym.Name}
	for _, child := range sym.Children {
		lines = append(lines, FormatDocumentSymbol(child, depth+1)...)
	}
	return lines
}
