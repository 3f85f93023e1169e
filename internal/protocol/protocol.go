// Package protocol defines the wire types exchanged with a language server,
// independent of how a message is framed, sent, or correlated. Types mirror
// the subset of the Language Server Protocol this bridge speaks, with JSON
// tags matching LSP's wire names exactly so messages round-trip without
// translation.
package protocol

import "encoding/json"

// DocumentUri is a file:// URI identifying a text document. Conversion
// to/from filesystem paths lives in internal/uri, not here: this package only
// carries the wire value.
type DocumentUri string

// Position is a zero-based line/character pair. Character offsets are UTF-16
// code units, per the LSP convention (see DESIGN.md for the rationale).
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Range is half-open: it includes Start and excludes End.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether p falls within r using (line, character) order.
func (r Range) Contains(p Position) bool {
	return !less(p, r.Start) && less(p, r.End)
}

func less(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Character < b.Character
}

// Location binds a URI to a range within it.
type Location struct {
	URI   DocumentUri `json:"uri"`
	Range Range       `json:"range"`
}

type TextDocumentIdentifier struct {
	URI DocumentUri `json:"uri"`
}

type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int32 `json:"version"`
}

type TextDocumentItem struct {
	URI        DocumentUri `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int32       `json:"version"`
	Text       string      `json:"text"`
}

type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

type TextDocumentEdit struct {
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	Edits        []TextEdit                      `json:"edits"`
}

// WorkspaceEdit is the subset of LSP's WorkspaceEdit this bridge accepts and
// produces. File-level operations (create/rename/delete) carried by
// DocumentChanges are read when present (a rename response may use them) but
// this bridge never constructs them itself; see spec Non-goals.
type WorkspaceEdit struct {
	Changes         map[DocumentUri][]TextEdit `json:"changes,omitempty"`
	DocumentChanges []DocumentChange           `json:"documentChanges,omitempty"`
}

// DocumentChange is a tagged union over the possible documentChanges
// elements. Exactly one field is populated, matching which JSON shape the
// server sent; callers should check TextDocumentEdit first since that is the
// only shape this bridge acts on.
type DocumentChange struct {
	TextDocumentEdit *TextDocumentEdit `json:"-"`
	CreateFile       *CreateFile       `json:"-"`
	RenameFile       *RenameFile       `json:"-"`
	DeleteFile       *DeleteFile       `json:"-"`
}

type CreateFile struct {
	Kind string      `json:"kind"`
	URI  DocumentUri `json:"uri"`
}

type RenameFile struct {
	Kind   string      `json:"kind"`
	OldURI DocumentUri `json:"oldUri"`
	NewURI DocumentUri `json:"newUri"`
}

type DeleteFile struct {
	Kind string      `json:"kind"`
	URI  DocumentUri `json:"uri"`
}

func (d *DocumentChange) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind         string          `json:"kind"`
		TextDocument json.RawMessage `json:"textDocument"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Kind {
	case "create":
		d.CreateFile = &CreateFile{}
		return json.Unmarshal(data, d.CreateFile)
	case "rename":
		d.RenameFile = &RenameFile{}
		return json.Unmarshal(data, d.RenameFile)
	case "delete":
		d.DeleteFile = &DeleteFile{}
		return json.Unmarshal(data, d.DeleteFile)
	default:
		if len(probe.TextDocument) == 0 {
			return nil
		}
		d.TextDocumentEdit = &TextDocumentEdit{}
		return json.Unmarshal(data, d.TextDocumentEdit)
	}
}

func (d DocumentChange) MarshalJSON() ([]byte, error) {
	switch {
	case d.TextDocumentEdit != nil:
		return json.Marshal(d.TextDocumentEdit)
	case d.CreateFile != nil:
		return json.Marshal(d.CreateFile)
	case d.RenameFile != nil:
		return json.Marshal(d.RenameFile)
	case d.DeleteFile != nil:
		return json.Marshal(d.DeleteFile)
	default:
		return []byte("null"), nil
	}
}

// --- Initialize ---

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type WorkspaceFolder struct {
	URI  DocumentUri `json:"uri"`
	Name string      `json:"name"`
}

type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               DocumentUri        `json:"rootUri"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
	Trace                 string             `json:"trace,omitempty"`
}

type ClientCapabilities struct {
	Workspace    WorkspaceClientCapabilities    `json:"workspace"`
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
}

type WorkspaceClientCapabilities struct {
	ApplyEdit              bool                                `json:"applyEdit"`
	WorkspaceEdit          *WorkspaceEditClientCapabilities    `json:"workspaceEdit,omitempty"`
	DidChangeConfiguration DidChangeConfigurationCapabilities `json:"didChangeConfiguration"`
	Symbol                 *WorkspaceSymbolClientCapabilities  `json:"symbol,omitempty"`
	WorkspaceFolders       bool                                `json:"workspaceFolders"`
}

type WorkspaceEditClientCapabilities struct {
	DocumentChanges bool `json:"documentChanges"`
}

type DidChangeConfigurationCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
}

type ClientSymbolKindOptions struct {
	ValueSet []SymbolKind `json:"valueSet,omitempty"`
}

type WorkspaceSymbolClientCapabilities struct {
	DynamicRegistration bool                     `json:"dynamicRegistration"`
	SymbolKind          *ClientSymbolKindOptions `json:"symbolKind,omitempty"`
}

type TextDocumentClientCapabilities struct {
	Synchronization    *TextDocumentSyncClientCapabilities  `json:"synchronization,omitempty"`
	Rename             *RenameClientCapabilities            `json:"rename,omitempty"`
	DocumentSymbol     DocumentSymbolClientCapabilities      `json:"documentSymbol"`
	CodeLens           *CodeLensClientCapabilities           `json:"codeLens,omitempty"`
	PublishDiagnostics PublishDiagnosticsClientCapabilities `json:"publishDiagnostics"`
	Completion         *CompletionClientCapabilities         `json:"completion,omitempty"`
	Hover              *HoverClientCapabilities              `json:"hover,omitempty"`
}

type TextDocumentSyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	WillSave            bool `json:"willSave"`
	WillSaveWaitUntil   bool `json:"willSaveWaitUntil"`
	DidSave             bool `json:"didSave"`
}

type RenameClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	PrepareSupport      bool `json:"prepareSupport"`
}

type DocumentSymbolClientCapabilities struct {
	DynamicRegistration               bool                     `json:"dynamicRegistration"`
	SymbolKind                        *ClientSymbolKindOptions `json:"symbolKind,omitempty"`
	HierarchicalDocumentSymbolSupport bool                     `json:"hierarchicalDocumentSymbolSupport"`
}

type CodeLensClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
}

type DiagnosticsCapabilities struct {
	RelatedInformation bool `json:"relatedInformation"`
}

type PublishDiagnosticsClientCapabilities struct {
	DiagnosticsCapabilities
	VersionSupport bool `json:"versionSupport"`
}

type CompletionClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	CompletionItem      struct {
		SnippetSupport bool `json:"snippetSupport"`
	} `json:"completionItem"`
}

type HoverClientCapabilities struct {
	DynamicRegistration bool     `json:"dynamicRegistration"`
	ContentFormat       []string `json:"contentFormat,omitempty"`
}

type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ClientInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities is kept as raw JSON alongside a handful of commonly
// gated fields: the Capability Router (internal/router) walks the raw form
// for arbitrary dotted paths, while callers that only care whether a few
// well-known features exist can use these fields directly.
type ServerCapabilities struct {
	Raw                    json.RawMessage          `json:"-"`
	TextDocumentSync       *TextDocumentSyncOptions `json:"textDocumentSync,omitempty"`
	HoverProvider          bool                     `json:"hoverProvider,omitempty"`
	DefinitionProvider     bool                     `json:"definitionProvider,omitempty"`
	ReferencesProvider     bool                     `json:"referencesProvider,omitempty"`
	DocumentSymbolProvider bool                     `json:"documentSymbolProvider,omitempty"`
	WorkspaceSymbolProvider bool                    `json:"workspaceSymbolProvider,omitempty"`
	RenameProvider         bool                     `json:"renameProvider,omitempty"`
	CodeActionProvider     bool                     `json:"codeActionProvider,omitempty"`
	DocumentFormattingProvider bool                 `json:"documentFormattingProvider,omitempty"`
	CodeLensProvider       *CodeLensOptions         `json:"codeLensProvider,omitempty"`
	DiagnosticProvider     *DiagnosticOptions       `json:"diagnosticProvider,omitempty"`
}

func (s *ServerCapabilities) UnmarshalJSON(data []byte) error {
	type alias ServerCapabilities
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = ServerCapabilities(a)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type TextDocumentSyncKind int

const (
	SyncNone        TextDocumentSyncKind = 0
	SyncFull        TextDocumentSyncKind = 1
	SyncIncremental TextDocumentSyncKind = 2
)

type TextDocumentSyncOptions struct {
	OpenClose bool                 `json:"openClose,omitempty"`
	Change    TextDocumentSyncKind `json:"change,omitempty"`
}

type CodeLensOptions struct {
	ResolveProvider bool `json:"resolveProvider,omitempty"`
}

type DiagnosticOptions struct {
	InterFileDependencies bool `json:"interFileDependencies,omitempty"`
	WorkspaceDiagnostics  bool `json:"workspaceDiagnostics,omitempty"`
}

// --- Text document synchronization ---

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

type TextDocumentContentChangeEvent struct {
	Range       *Range `json:"range,omitempty"`
	RangeLength *int   `json:"rangeLength,omitempty"`
	Text        string `json:"text"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type InitializedParams struct{}

// --- Diagnostics ---

type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

type DiagnosticRelatedInformation struct {
	Location Location `json:"location"`
	Message  string   `json:"message"`
}

type Diagnostic struct {
	Range              Range                          `json:"range"`
	Severity           DiagnosticSeverity             `json:"severity,omitempty"`
	Code               any                            `json:"code,omitempty"`
	Source             string                         `json:"source,omitempty"`
	Message            string                         `json:"message"`
	Tags               []int                          `json:"tags,omitempty"`
	RelatedInformation []DiagnosticRelatedInformation `json:"relatedInformation,omitempty"`
	Data               any                            `json:"data,omitempty"`
}

type PublishDiagnosticsParams struct {
	URI         DocumentUri  `json:"uri"`
	Version     *int32       `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// DocumentDiagnosticParams/Report model the pull-diagnostics request used as
// the first fallback in the Diagnostic Store (spec §4.4 step 2).
type DocumentDiagnosticParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type DocumentDiagnosticReport struct {
	Kind  string       `json:"kind"` // "full" | "unchanged"
	Items []Diagnostic `json:"items,omitempty"`
}

// --- Symbols ---

type SymbolKind int

const (
	SKFile          SymbolKind = 1
	SKModule        SymbolKind = 2
	SKNamespace     SymbolKind = 3
	SKPackage       SymbolKind = 4
	SKClass         SymbolKind = 5
	SKMethod        SymbolKind = 6
	SKProperty      SymbolKind = 7
	SKField         SymbolKind = 8
	SKConstructor   SymbolKind = 9
	SKEnum          SymbolKind = 10
	SKInterface     SymbolKind = 11
	SKFunction      SymbolKind = 12
	SKVariable      SymbolKind = 13
	SKConstant      SymbolKind = 14
	SKString        SymbolKind = 15
	SKNumber        SymbolKind = 16
	SKBoolean       SymbolKind = 17
	SKArray         SymbolKind = 18
	SKObject        SymbolKind = 19
	SKKey           SymbolKind = 20
	SKNull          SymbolKind = 21
	SKEnumMember    SymbolKind = 22
	SKStruct        SymbolKind = 23
	SKEvent         SymbolKind = 24
	SKOperator      SymbolKind = 25
	SKTypeParameter SymbolKind = 26
)

// AllSymbolKinds is the full valueSet advertised during initialize.
var AllSymbolKinds = []SymbolKind{
	SKFile, SKModule, SKNamespace, SKPackage, SKClass, SKMethod, SKProperty, SKField,
	SKConstructor, SKEnum, SKInterface, SKFunction, SKVariable, SKConstant, SKString,
	SKNumber, SKBoolean, SKArray, SKObject, SKKey, SKNull, SKEnumMember, SKStruct,
	SKEvent, SKOperator, SKTypeParameter,
}

// KindName renders a SymbolKind as the lowercase spelling callers filter by
// (see internal/symbols).
func (k SymbolKind) KindName() string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return "unknown"
}

var symbolKindNames = map[SymbolKind]string{
	SKFile: "file", SKModule: "module", SKNamespace: "namespace", SKPackage: "package",
	SKClass: "class", SKMethod: "method", SKProperty: "property", SKField: "field",
	SKConstructor: "constructor", SKEnum: "enum", SKInterface: "interface",
	SKFunction: "function", SKVariable: "variable", SKConstant: "constant",
	SKString: "string", SKNumber: "number", SKBoolean: "boolean", SKArray: "array",
	SKObject: "object", SKKey: "key", SKNull: "null", SKEnumMember: "enummember",
	SKStruct: "struct", SKEvent: "event", SKOperator: "operator",
	SKTypeParameter: "typeparameter",
}

type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           SymbolKind       `json:"kind"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// --- Navigation ---

type DefinitionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

type ReferenceParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	Context      ReferenceContext       `json:"context"`
}

type RenameParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	NewName      string                 `json:"newName"`
}

// --- Hover / completion / signature help ---

type MarkupContent struct {
	Kind  string `json:"kind"` // "plaintext" | "markdown"
	Value string `json:"value"`
}

type HoverParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type Hover struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

type CompletionContext struct {
	TriggerKind      int    `json:"triggerKind"`
	TriggerCharacter string `json:"triggerCharacter,omitempty"`
}

type CompletionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	Context      *CompletionContext     `json:"context,omitempty"`
}

type CompletionItem struct {
	Label      string `json:"label"`
	Kind       int    `json:"kind,omitempty"`
	Detail     string `json:"detail,omitempty"`
	InsertText string `json:"insertText,omitempty"`
}

type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

type SignatureHelpParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type SignatureInformation struct {
	Label         string `json:"label"`
	Documentation string `json:"documentation,omitempty"`
}

type SignatureHelp struct {
	Signatures      []SignatureInformation `json:"signatures"`
	ActiveSignature int                    `json:"activeSignature,omitempty"`
	ActiveParameter int                    `json:"activeParameter,omitempty"`
}

// --- Code actions, formatting, folding, links, inlay hints ---

type CodeActionContext struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type CodeActionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
	Context      CodeActionContext      `json:"context"`
}

type Command struct {
	Title     string `json:"title"`
	Command   string `json:"command"`
	Arguments []any  `json:"arguments,omitempty"`
}

type CodeAction struct {
	Title       string         `json:"title"`
	Kind        string         `json:"kind,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	Edit        *WorkspaceEdit `json:"edit,omitempty"`
	Command     *Command       `json:"command,omitempty"`
}

type FormattingOptions struct {
	TabSize      uint32 `json:"tabSize"`
	InsertSpaces bool   `json:"insertSpaces"`
}

type DocumentFormattingParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Options      FormattingOptions      `json:"options"`
}

type FoldingRangeParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type FoldingRange struct {
	StartLine uint32 `json:"startLine"`
	EndLine   uint32 `json:"endLine"`
	Kind      string `json:"kind,omitempty"`
}

type DocumentLinkParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type DocumentLink struct {
	Range  Range  `json:"range"`
	Target string `json:"target,omitempty"`
}

type InlayHintParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Range        Range                  `json:"range"`
}

type InlayHint struct {
	Position Position `json:"position"`
	Label    string   `json:"label"`
}

type SemanticTokensParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type SemanticTokens struct {
	Data []uint32 `json:"data"`
}

// --- Call hierarchy / type hierarchy / selection range ---

type CallHierarchyItem struct {
	Name           string      `json:"name"`
	Kind           SymbolKind  `json:"kind"`
	URI            DocumentUri `json:"uri"`
	Range          Range       `json:"range"`
	SelectionRange Range       `json:"selectionRange"`
}

type CallHierarchyPrepareParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type CallHierarchyIncomingCallsParams struct {
	Item CallHierarchyItem `json:"item"`
}

type CallHierarchyIncomingCall struct {
	From       CallHierarchyItem `json:"from"`
	FromRanges []Range           `json:"fromRanges"`
}

type CallHierarchyOutgoingCallsParams struct {
	Item CallHierarchyItem `json:"item"`
}

type CallHierarchyOutgoingCall struct {
	To         CallHierarchyItem `json:"to"`
	FromRanges []Range           `json:"fromRanges"`
}

type TypeHierarchyItem struct {
	Name           string      `json:"name"`
	Kind           SymbolKind  `json:"kind"`
	URI            DocumentUri `json:"uri"`
	Range          Range       `json:"range"`
	SelectionRange Range       `json:"selectionRange"`
}

type TypeHierarchyPrepareParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type TypeHierarchySupertypesParams struct {
	Item TypeHierarchyItem `json:"item"`
}

type TypeHierarchySubtypesParams struct {
	Item TypeHierarchyItem `json:"item"`
}

type SelectionRangeParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Positions    []Position             `json:"positions"`
}

type SelectionRange struct {
	Range  Range           `json:"range"`
	Parent *SelectionRange `json:"parent,omitempty"`
}

// --- Server-initiated requests ---

type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

type FileSystemWatcher struct {
	GlobPattern string `json:"globPattern"`
	Kind        int    `json:"kind,omitempty"`
}

type DidChangeWatchedFilesRegistrationOptions struct {
	Watchers []FileSystemWatcher `json:"watchers"`
}

type Registration struct {
	ID              string `json:"id"`
	Method          string `json:"method"`
	RegisterOptions any    `json:"registerOptions,omitempty"`
}

type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// --- Code lens ---

type CodeLensParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type CodeLens struct {
	Range   Range    `json:"range"`
	Command *Command `json:"command,omitempty"`
	Data    any      `json:"data,omitempty"`
}

type ExecuteCommandParams struct {
	Command   string `json:"command"`
	Arguments []any  `json:"arguments,omitempty"`
}
