package main

import (
	"context"
	"fmt"
	"strings"

	mcp_golang "github.com/metoro-io/mcp-golang"
	"github.com/metoro-io/mcp-golang/transport/stdio"
	"github.com/sirupsen/logrus"

	"github.com/codebridge-dev/codebridge/internal/applier"
	"github.com/codebridge-dev/codebridge/internal/bridge"
	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/symbols"
	"github.com/codebridge-dev/codebridge/internal/uri"
)

type positionArgs struct {
	FilePath  string `json:"filePath" jsonschema:"required,description=Path to the file, absolute or relative to the bridge process's working directory."`
	Line      int    `json:"line" jsonschema:"required,description=Zero-indexed line number."`
	Character int    `json:"character" jsonschema:"required,description=Zero-indexed UTF-16 code unit offset within the line."`
}

func (p positionArgs) position() protocol.Position {
	return protocol.Position{Line: uint32(p.Line), Character: uint32(p.Character)}
}

type ApplyTextEditArgs struct {
	Edit          protocol.WorkspaceEdit `json:"edit" jsonschema:"required,description=A workspace edit: a map from file URI to the text edits to apply to it."`
	CreateBackups *bool                  `json:"createBackups,omitempty" jsonschema:"description=Write a .bak sibling for every modified file before editing (default true)."`
}

type ReadDefinitionArgs = positionArgs

type FindReferencesArgs struct {
	positionArgs
	IncludeDeclaration bool `json:"includeDeclaration" jsonschema:"description=Include the declaration site itself alongside usages."`
}

type GetDiagnosticsArgs struct {
	FilePath string `json:"filePath" jsonschema:"required,description=Path to the file to get diagnostics for."`
}

type RenameSymbolArgs struct {
	positionArgs
	NewName string `json:"newName" jsonschema:"required,description=The new name for the symbol."`
}

type FindSymbolsArgs struct {
	FilePath string `json:"filePath" jsonschema:"required,description=File to search within."`
	Name     string `json:"name" jsonschema:"description=Symbol name to match, exactly or as a substring; empty matches every symbol."`
	Kind     string `json:"kind" jsonschema:"description=Symbol kind to filter by, e.g. 'function', 'class' (see the LSP SymbolKind names)."`
}

type GetHoverArgs = positionArgs
type GetCompletionsArgs = positionArgs

type SearchWorkspaceSymbolsArgs struct {
	Query string `json:"query" jsonschema:"required,description=Symbol name or substring to search for across the whole workspace."`
}

type GetCodeActionsArgs struct {
	FilePath  string `json:"filePath" jsonschema:"required"`
	StartLine int    `json:"startLine" jsonschema:"required"`
	EndLine   int    `json:"endLine" jsonschema:"required"`
}

type GetSignatureHelpArgs = positionArgs

type FormatDocumentArgs struct {
	FilePath     string `json:"filePath" jsonschema:"required,description=File to format."`
	TabSize      int    `json:"tabSize" jsonschema:"description=Tab size in spaces (default 4)."`
	InsertSpaces bool   `json:"insertSpaces" jsonschema:"description=Indent with spaces instead of tabs."`
}

type CallHierarchyArgs struct {
	positionArgs
	Direction string `json:"direction" jsonschema:"required,description=Either 'incoming' or 'outgoing'."`
}

type TypeHierarchyArgs struct {
	positionArgs
	Direction string `json:"direction" jsonschema:"required,description=Either 'supertypes' or 'subtypes'."`
}

type RestartServersArgs struct {
	Names []string `json:"names" jsonschema:"description=Server names to restart; omit or leave empty to restart every known server."`
}

type ClearFailedArgs struct {
	Name string `json:"name" jsonschema:"required,description=Name of the Failed server to clear."`
}

// serveTools registers every tool-call handler and blocks serving stdio
// requests until the transport closes.
func serveTools(b *bridge.Bridge, log *logrus.Logger) error {
	srv := mcp_golang.NewServer(stdio.NewStdioServerTransport())

	register := func(name string, err error) error {
		if err != nil {
			return fmt.Errorf("failed to register tool %s: %w", name, err)
		}
		return nil
	}

	if err := register("apply_text_edit", srv.RegisterTool(
		"apply_text_edit",
		"Apply a workspace edit atomically across one or more files. All edits succeed or none are kept.",
		func(args ApplyTextEditArgs) (*mcp_golang.ToolResponse, error) {
			opts := applier.DefaultOptions()
			if args.CreateBackups != nil {
				opts.CreateBackups = *args.CreateBackups
			}
			res, err := b.Apply(context.Background(), args.Edit, opts)
			if err != nil {
				return nil, err
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(
				fmt.Sprintf("applied edit to %d file(s): %s", len(res.FilesModified), strings.Join(res.FilesModified, ", ")))), nil
		})); err != nil {
		return err
	}

	if err := register("read_definition", srv.RegisterTool(
		"read_definition",
		"Find the definition location(s) of the symbol at a file position.",
		func(args ReadDefinitionArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			locs, err := symbols.FindDefinition(context.Background(), a.Conn(), a.DocURI(), args.position())
			if err != nil {
				return nil, err
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(formatLocations(locs))), nil
		})); err != nil {
		return err
	}

	if err := register("find_references", srv.RegisterTool(
		"find_references",
		"Find every reference to the symbol at a file position.",
		func(args FindReferencesArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			locs, err := symbols.FindReferences(context.Background(), a.Conn(), a.DocURI(), args.position(), args.IncludeDeclaration)
			if err != nil {
				return nil, err
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(formatLocations(locs))), nil
		})); err != nil {
		return err
	}

	if err := register("get_diagnostics", srv.RegisterTool(
		"get_diagnostics",
		"Get diagnostics (errors, warnings) for a file, reconciling push and pull diagnostics.",
		func(args GetDiagnosticsArgs) (*mcp_golang.ToolResponse, error) {
			diags, err := b.Diagnostics(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			if len(diags) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no diagnostics")), nil
			}
			var sb strings.Builder
			for _, d := range diags {
				fmt.Fprintf(&sb, "%d:%d-%d:%d [%d] %s\n",
					d.Range.Start.Line, d.Range.Start.Character, d.Range.End.Line, d.Range.End.Character, d.Severity, d.Message)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("rename_symbol", srv.RegisterTool(
		"rename_symbol",
		"Rename the symbol at a file position and apply the resulting edit. File create/rename/delete operations in the server's response are reported but not applied.",
		func(args RenameSymbolArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			changes, skipped, err := symbols.Rename(context.Background(), a.Conn(), a.DocURI(), args.position(), args.NewName)
			if err != nil {
				return nil, err
			}
			res, err := b.Apply(context.Background(), protocol.WorkspaceEdit{Changes: changes}, applier.DefaultOptions())
			if err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("renamed in %d file(s): %s", len(res.FilesModified), strings.Join(res.FilesModified, ", "))
			if len(skipped) > 0 {
				msg += fmt.Sprintf("\nskipped (unsupported file operations): %s", strings.Join(skipped, ", "))
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(msg)), nil
		})); err != nil {
		return err
	}

	if err := register("find_symbols", srv.RegisterTool(
		"find_symbols",
		"Find symbols in a file by name and/or kind.",
		func(args FindSymbolsArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			matches, warnings, err := symbols.FindSymbolsByName(context.Background(), a.Conn(), a.DocURI(), args.FilePath, args.Name, args.Kind)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			for _, w := range warnings {
				fmt.Fprintf(&sb, "warning: %s\n", w)
			}
			for _, m := range matches {
				fmt.Fprintf(&sb, "%s %s at %s:%d:%d\n", m.Kind.KindName(), m.Name, filePathOf(m.Location.URI), m.Location.Range.Start.Line, m.Location.Range.Start.Character)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("search_workspace_symbols", srv.RegisterTool(
		"search_workspace_symbols",
		"Search every configured language server's workspace symbol index for a name or substring.",
		func(args SearchWorkspaceSymbolsArgs) (*mcp_golang.ToolResponse, error) {
			syms, err := b.SearchWorkspaceSymbols(context.Background(), args.Query)
			if err != nil {
				return nil, err
			}
			if len(syms) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no results")), nil
			}
			var sb strings.Builder
			for _, s := range syms {
				fmt.Fprintf(&sb, "%s %s at %s:%d:%d\n", s.Kind.KindName(), s.Name, filePathOf(s.Location.URI), s.Location.Range.Start.Line, s.Location.Range.Start.Character)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("get_hover", srv.RegisterTool(
		"get_hover",
		"Get hover information (type signature, docs) at a file position.",
		func(args GetHoverArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			hover, err := symbols.Hover(context.Background(), a.Conn(), a.DocURI(), args.position())
			if err != nil {
				return nil, err
			}
			if hover == nil {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no hover information")), nil
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(fmt.Sprintf("%v", hover.Contents))), nil
		})); err != nil {
		return err
	}

	if err := register("get_completions", srv.RegisterTool(
		"get_completions",
		"Get completion suggestions at a file position.",
		func(args GetCompletionsArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			list, err := symbols.Completion(context.Background(), a.Conn(), a.DocURI(), args.position())
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			for _, item := range list.Items {
				fmt.Fprintf(&sb, "%s (%s)\n", item.Label, item.Detail)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("get_code_actions", srv.RegisterTool(
		"get_code_actions",
		"Get available code actions (quick fixes, refactors) for a line range in a file.",
		func(args GetCodeActionsArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			r := protocol.Range{
				Start: protocol.Position{Line: uint32(args.StartLine)},
				End:   protocol.Position{Line: uint32(args.EndLine)},
			}
			diags, err := b.Diagnostics(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			actions, err := symbols.CodeActions(context.Background(), a.Conn(), a.DocURI(), r, diags)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			for _, act := range actions {
				fmt.Fprintf(&sb, "%s\n", act.Title)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("get_signature_help", srv.RegisterTool(
		"get_signature_help",
		"Get signature help (parameter hints) for the call at a file position.",
		func(args GetSignatureHelpArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			help, err := symbols.SignatureHelp(context.Background(), a.Conn(), a.DocURI(), args.position())
			if err != nil {
				return nil, err
			}
			if help == nil || len(help.Signatures) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no signature help")), nil
			}
			var sb strings.Builder
			for _, sig := range help.Signatures {
				fmt.Fprintln(&sb, sig.Label)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("format_document", srv.RegisterTool(
		"format_document",
		"Format a whole file with its language server and apply the resulting edits atomically.",
		func(args FormatDocumentArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			tabSize := args.TabSize
			if tabSize <= 0 {
				tabSize = 4
			}
			edits, err := symbols.Format(context.Background(), a.Conn(), a.DocURI(), protocol.FormattingOptions{
				TabSize:      uint32(tabSize),
				InsertSpaces: args.InsertSpaces,
			})
			if err != nil {
				return nil, err
			}
			if len(edits) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("already formatted")), nil
			}
			edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{a.DocURI(): edits}}
			res, err := b.Apply(context.Background(), edit, applier.DefaultOptions())
			if err != nil {
				return nil, err
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(
				fmt.Sprintf("formatted %s (%d edit(s))", strings.Join(res.FilesModified, ", "), len(edits)))), nil
		})); err != nil {
		return err
	}

	if err := register("get_call_hierarchy", srv.RegisterTool(
		"get_call_hierarchy",
		"Get incoming or outgoing calls for the function at a file position.",
		func(args CallHierarchyArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			items, err := symbols.PrepareCallHierarchy(context.Background(), a.Conn(), a.DocURI(), args.position())
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no callable at that position")), nil
			}
			var sb strings.Builder
			switch args.Direction {
			case "incoming":
				calls, err := symbols.IncomingCalls(context.Background(), a.Conn(), items[0])
				if err != nil {
					return nil, err
				}
				for _, c := range calls {
					fmt.Fprintf(&sb, "%s at %s:%d\n", c.From.Name, filePathOf(c.From.URI), c.From.SelectionRange.Start.Line)
				}
			case "outgoing":
				calls, err := symbols.OutgoingCalls(context.Background(), a.Conn(), items[0])
				if err != nil {
					return nil, err
				}
				for _, c := range calls {
					fmt.Fprintf(&sb, "%s at %s:%d\n", c.To.Name, filePathOf(c.To.URI), c.To.SelectionRange.Start.Line)
				}
			default:
				return nil, fmt.Errorf("direction must be 'incoming' or 'outgoing', got %q", args.Direction)
			}
			if sb.Len() == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no calls")), nil
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("get_type_hierarchy", srv.RegisterTool(
		"get_type_hierarchy",
		"Get supertypes or subtypes of the type at a file position.",
		func(args TypeHierarchyArgs) (*mcp_golang.ToolResponse, error) {
			a, err := b.Open(context.Background(), args.FilePath)
			if err != nil {
				return nil, err
			}
			items, err := symbols.PrepareTypeHierarchy(context.Background(), a.Conn(), a.DocURI(), args.position())
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no type at that position")), nil
			}
			var related []protocol.TypeHierarchyItem
			switch args.Direction {
			case "supertypes":
				related, err = symbols.Supertypes(context.Background(), a.Conn(), items[0])
			case "subtypes":
				related, err = symbols.Subtypes(context.Background(), a.Conn(), items[0])
			default:
				return nil, fmt.Errorf("direction must be 'supertypes' or 'subtypes', got %q", args.Direction)
			}
			if err != nil {
				return nil, err
			}
			if len(related) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("none found")), nil
			}
			var sb strings.Builder
			for _, item := range related {
				fmt.Fprintf(&sb, "%s %s at %s:%d\n", item.Kind.KindName(), item.Name, filePathOf(item.URI), item.SelectionRange.Start.Line)
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent(sb.String())), nil
		})); err != nil {
		return err
	}

	if err := register("restart_servers", srv.RegisterTool(
		"restart_servers",
		"Force-restart one or more already-spawned servers on this running bridge (all, if none named).",
		func(args RestartServersArgs) (*mcp_golang.ToolResponse, error) {
			restarted := b.RestartServers(context.Background(), args.Names)
			if len(restarted) == 0 {
				return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("no running servers matched")), nil
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("restarted: " + strings.Join(restarted, ", "))), nil
		})); err != nil {
		return err
	}

	if err := register("clear_failed", srv.RegisterTool(
		"clear_failed",
		"Clear a server's terminal Failed state on this running bridge so the next request retries spawning it.",
		func(args ClearFailedArgs) (*mcp_golang.ToolResponse, error) {
			if err := b.ClearFailed(args.Name); err != nil {
				return nil, err
			}
			return mcp_golang.NewToolResponse(mcp_golang.NewTextContent("cleared")), nil
		})); err != nil {
		return err
	}

	log.Info("codebridge: tools registered, serving")
	return srv.Serve()
}

func formatLocations(locs []protocol.Location) string {
	if len(locs) == 0 {
		return "no results"
	}
	var sb strings.Builder
	for _, l := range locs {
		fmt.Fprintf(&sb, "%s:%d:%d\n", filePathOf(l.URI), l.Range.Start.Line, l.Range.Start.Character)
	}
	return sb.String()
}

func filePathOf(u protocol.DocumentUri) string {
	p, err := uri.ToPath(u)
	if err != nil {
		return string(u)
	}
	return p
}
