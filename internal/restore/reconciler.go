// Package restore implements the session restore engine: the pure
// snapshot reconciler, the restore coordinator state machine, and the
// sandbox populator with project auto-start.
package restore

import (
	"fmt"
	"strings"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/detect"
)

// Identifiers of the messages synthesized for a snapshot replay. Fixed so
// reconciliation stays deterministic.
const (
	restoreRequestID  = "restore-request"
	restoreResponseID = "restore-response"
)

// Reconciliation is the outcome of reconciling a message log against a
// snapshot and an optional rewind target.
type Reconciliation struct {
	// Archived holds the log prefix represented by the snapshot: messages
	// up to and including the snapshot point. Empty when no snapshot
	// applies.
	Archived []chat.Message

	// Visible holds the messages to present as the active conversation,
	// beginning with the synthesized replay pair when a snapshot applies.
	Visible []chat.Message

	// StartingIdx is the resolved snapshot position in the log, -1 when
	// no snapshot applies.
	StartingIdx int
}

// Reconcile computes which messages form the active conversation given the
// full ordered log, the session's snapshot (nil if none), and an optional
// rewind-target message ID ("" for no truncation).
//
// Reconcile is a pure function: it performs no I/O, never mutates log, and
// returns identical results for identical inputs.
func Reconcile(log []chat.Message, snap *chat.Snapshot, rewindTo string) Reconciliation {
	endingIdx := len(log)
	if rewindTo != "" {
		// Index just after the rewind target; an unknown target yields an
		// empty window rather than full history.
		endingIdx = indexOf(log, rewindTo) + 1
	}

	snapshotIdx := -1
	if snap != nil && snap.ChatIndex != "" {
		snapshotIdx = indexOf(log, snap.ChatIndex)
	}

	startingIdx := -1
	if snapshotIdx >= 0 && snapshotIdx < endingIdx {
		startingIdx = snapshotIdx
	}

	// A user rewinding exactly to the snapshot point sees full history
	// rather than a zero-message replay. Contract carried over from
	// observed behavior; see DESIGN.md.
	if snapshotIdx > 0 && rewindTo != "" && log[snapshotIdx].ID == rewindTo {
		startingIdx = -1
	}

	var archived []chat.Message
	if startingIdx >= 0 {
		archived = append(archived, log[:startingIdx+1]...)
	}

	var visible []chat.Message
	if startingIdx > 0 {
		visible = append(visible, restoreMessages(snap)...)
	}
	if start := startingIdx + 1; start < endingIdx {
		visible = append(visible, log[start:endingIdx]...)
	}

	return Reconciliation{
		Archived:    archived,
		Visible:     visible,
		StartingIdx: startingIdx,
	}
}

func indexOf(log []chat.Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

// restoreMessages synthesizes the hidden restore request and the assistant
// replay that recreates the snapshot's files and relaunches the project.
// Both are tagged no-store so a replay is never re-persisted.
func restoreMessages(snap *chat.Snapshot) []chat.Message {
	request := chat.Message{
		ID:      restoreRequestID,
		Role:    chat.RoleUser,
		Content: "Restore project from snapshot",
	}.WithTags(chat.TagHidden, chat.TagNoStore)

	response := chat.Message{
		ID:      restoreResponseID,
		Role:    chat.RoleAssistant,
		Content: replayArtifact(snap),
	}.WithTags(chat.TagNoStore)

	return []chat.Message{request, response}
}

// replayArtifact renders every snapshot file as a file-creation action,
// followed by any setup/start commands detected from the project manifest.
func replayArtifact(snap *chat.Snapshot) string {
	var b strings.Builder
	b.WriteString("Restoring your previous session.\n")
	b.WriteString(`<chiselArtifact id="restored-project" title="Restored Project Files">` + "\n")

	for _, path := range snap.Files.Files() {
		ent := snap.Files[path]
		fmt.Fprintf(&b, "<chiselAction type=\"file\" filePath=%q>\n%s\n</chiselAction>\n", path, ent.Content)
	}

	cmds := detect.Detect(snap.Files)
	if cmds.Setup != "" {
		fmt.Fprintf(&b, "<chiselAction type=\"shell\">\n%s\n</chiselAction>\n", cmds.Setup)
	}
	if cmds.Start != "" {
		fmt.Fprintf(&b, "<chiselAction type=\"start\">\n%s\n</chiselAction>\n", cmds.Start)
	}

	b.WriteString("</chiselArtifact>")
	return b.String()
}
