// Package chat defines the data model shared by the local history store,
// the remote project store, and the restore engine: messages, snapshots,
// file maps, and workbench state.
package chat

import (
	"slices"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Annotation tags controlling message handling.
const (
	// TagNoStore marks a message that must never be pushed to the remote
	// store. Synthesized restore messages carry it so a replay is not
	// re-persisted on the next sync.
	TagNoStore = "no-store"

	// TagHidden marks a message that is kept in the log but not rendered.
	TagHidden = "hidden"
)

// AnnotationTypeSummary identifies a structured chat-summary annotation.
const AnnotationTypeSummary = "chatSummary"

// Annotation is either a bare tag (Tag set, rest empty) or a structured
// object such as {type: "chatSummary", summary: "..."}.
type Annotation struct {
	Tag     string `json:"tag,omitempty"`
	Type    string `json:"type,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Part carries structured message content such as tool invocations.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Message is a single conversation entry. ID is unique within a session.
// Messages are append-only except for full-log replacement during rewind.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Parts       []Part       `json:"parts,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	CreatedAt   time.Time    `json:"createdAt,omitzero"`
}

// HasTag reports whether the message carries the given annotation tag.
func (m *Message) HasTag(tag string) bool {
	for _, a := range m.Annotations {
		if a.Tag == tag {
			return true
		}
	}
	return false
}

// WithTags returns a copy of the message with the given tags appended.
func (m Message) WithTags(tags ...string) Message {
	annotations := make([]Annotation, 0, len(m.Annotations)+len(tags))
	annotations = append(annotations, m.Annotations...)
	for _, tag := range tags {
		annotations = append(annotations, Annotation{Tag: tag})
	}
	m.Annotations = annotations
	return m
}

// Summary returns the chatSummary annotation text, if any.
func (m *Message) Summary() (string, bool) {
	for _, a := range m.Annotations {
		if a.Type == AnnotationTypeSummary {
			return a.Summary, true
		}
	}
	return "", false
}

// Durable filters out messages tagged no-store. The result is a new slice;
// the input is not modified.
func Durable(messages []Message) []Message {
	durable := make([]Message, 0, len(messages))
	for _, m := range messages {
		if !m.HasTag(TagNoStore) {
			durable = append(durable, m)
		}
	}
	return durable
}

// Dirent types within a FileMap.
const (
	DirentFile   = "file"
	DirentFolder = "folder"
)

// Dirent is a tagged variant: a folder, or a file with content.
type Dirent struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	IsBinary bool   `json:"isBinary,omitempty"`
}

// FileMap maps absolute paths to directory entries. A file's parent
// directories are implied by its key; explicit folder entries exist only
// to create empty directories.
type FileMap map[string]Dirent

// Files returns the paths of file entries in sorted order.
func (fm FileMap) Files() []string {
	return fm.pathsOfType(DirentFile)
}

// Folders returns the paths of explicit folder entries in sorted order.
func (fm FileMap) Folders() []string {
	return fm.pathsOfType(DirentFolder)
}

func (fm FileMap) pathsOfType(t string) []string {
	paths := make([]string, 0, len(fm))
	for path, ent := range fm {
		if ent.Type == t {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	return paths
}

// Snapshot is a point-in-time checkpoint of a session: the file tree plus
// the ID of the message it was taken at. At most one live snapshot exists
// per session; writing a new one overwrites the prior.
type Snapshot struct {
	ChatIndex string  `json:"chatIndex"`
	Files     FileMap `json:"files"`
	Summary   string  `json:"summary,omitempty"`
}

// WorkbenchState is the per-project singleton of editor UI state.
type WorkbenchState struct {
	SelectedFile    string   `json:"selectedFile,omitempty"`
	OpenFiles       []string `json:"openFiles,omitempty"`
	CurrentView     string   `json:"currentView,omitempty"` // code | diff | preview
	ShowWorkbench   bool     `json:"showWorkbench"`
	TerminalHistory string   `json:"terminalHistory,omitempty"`
	PreviewURLs     []string `json:"previewUrls,omitempty"`
}

// HistoryRecord is a chat transcript as held by the local history store.
type HistoryRecord struct {
	ID          string            `json:"id"`
	URLID       string            `json:"urlId,omitempty"`
	Description string            `json:"description,omitempty"`
	Messages    []Message         `json:"messages"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp,omitzero"`
}
