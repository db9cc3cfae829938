// Package mirror implements the editor/document mirror (spec L10): a
// live model of open documents and editors, kept in sync with the
// guest via debounced, three-phase deltas.
package mirror

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// MaxDocumentBytes caps how much of a file is read into the mirror;
// any remainder is truncated with a warning (spec §4.10).
const MaxDocumentBytes = 3 * 1024 * 1024

// DebounceInterval batches mutations before a flush ships to the
// guest (spec §4.10, §5).
var DebounceInterval = 10 * time.Millisecond

// Document mirrors one open file's content and metadata.
type Document struct {
	URI        string
	Lines      []string
	EOL        string
	LanguageID string
	IsDirty    bool
	Encoding   string
	VersionID  int
	Truncated  bool
}

func (d *Document) text() string {
	return strings.Join(d.Lines, d.EOL)
}

// Editor mirrors one open view onto a document.
type Editor struct {
	ID            int
	DocumentURI   string
	Options       EditorOptions
	Selections    []Range
	VisibleRanges []Range
}

// EditorOptions carries the subset of editor display options the
// guest needs mirrored.
type EditorOptions struct {
	TabSize      int
	InsertSpaces bool
}

// Range is a 1-indexed, inclusive line/column span.
type Range struct {
	StartLine, StartCol int
	EndLine, EndCol      int
}

// StructuralDelta describes additions/removals of documents and
// editors, and an active-editor change, since the last ship.
type StructuralDelta struct {
	RemovedDocuments []string
	AddedDocuments   []string
	RemovedEditors   []int
	AddedEditors     []int
	NewActiveEditor  *int
}

func (d StructuralDelta) isEmpty() bool {
	return len(d.RemovedDocuments) == 0 && len(d.AddedDocuments) == 0 &&
		len(d.RemovedEditors) == 0 && len(d.AddedEditors) == 0 && d.NewActiveEditor == nil
}

// EditorPropertyDelta carries per-editor option/selection/visible-
// range changes, keyed by editor id.
type EditorPropertyDelta struct {
	EditorID      int
	Options       *EditorOptions
	Selections    []Range
	VisibleRanges []Range
}

// ContentDelta represents a document content change as a full-range
// replacement, per spec §4.10.
type ContentDelta struct {
	URI       string
	Range     Range
	Offset    int
	Length    int
	Text      string
	VersionID int
}

// Delta bundles one flush's three phases, shipped in this order:
// structural, then per-editor, then per-document.
type Delta struct {
	Structural StructuralDelta
	Editors    []EditorPropertyDelta
	Documents  []ContentDelta
}

func (d Delta) isEmpty() bool {
	return d.Structural.isEmpty() && len(d.Editors) == 0 && len(d.Documents) == 0
}

// snapshot is an immutable point-in-time copy of mirror state used to
// diff against on the next flush (spec §5: "deltas are taken
// atomically against a snapshot copy").
type snapshot struct {
	documents map[string]Document
	editors   map[int]Editor
	active    *int
}

// Mirror holds the live document/editor state and ships debounced
// deltas to the guest via OnFlush.
type Mirror struct {
	mu sync.RWMutex

	documents    map[string]*Document
	editors      map[int]*Editor
	activeEditor *int
	nextEditorID int

	last snapshot

	log       *slog.Logger
	onFlush   func(Delta)
	timer     *time.Timer
	timerMu   sync.Mutex
	readFile  func(uri string) ([]byte, bool, error)

	onDocOpened func(uri string)
	onDocClosed func(uri string)
}

// SetDocumentHooks registers callbacks invoked when a document is
// first opened and when its last referencing editor is removed.
// Wired by the caller to internal/fswatch's Track/Untrack so external
// file changes on mirrored documents can be invalidated.
func (m *Mirror) SetDocumentHooks(opened, closed func(uri string)) {
	m.mu.Lock()
	m.onDocOpened = opened
	m.onDocClosed = closed
	m.mu.Unlock()
}

// New constructs an empty Mirror. onFlush is invoked with each
// computed, non-empty delta, off the debounce timer's goroutine.
func New(onFlush func(Delta), log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	m := &Mirror{
		documents: make(map[string]*Document),
		editors:   make(map[int]*Editor),
		onFlush:   onFlush,
		log:       log,
		readFile:  defaultReadFile,
	}
	m.last = m.snapshotLocked()
	return m
}

func defaultReadFile(uri string) ([]byte, bool, error) {
	f, err := os.Open(uri)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	limited := io.LimitReader(f, MaxDocumentBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	truncated := len(data) > MaxDocumentBytes
	if truncated {
		data = data[:MaxDocumentBytes]
	}
	return data, truncated, nil
}

// OpenDocument loads uri into the mirror if not already known,
// scheduling an update. Returns the (possibly pre-existing) Document.
func (m *Mirror) OpenDocument(uri string, isText bool) (*Document, error) {
	m.mu.Lock()
	if existing, ok := m.documents[uri]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	var lines []string
	var eol = "\n"
	var truncated bool
	if isText {
		data, trunc, err := m.readFile(uri)
		if err != nil {
			return nil, fmt.Errorf("mirror: open document %s: %w", uri, err)
		}
		truncated = trunc
		lines = strings.Split(string(data), eol)
	}

	doc := &Document{
		URI:        uri,
		Lines:      lines,
		EOL:        eol,
		LanguageID: "",
		IsDirty:    false,
		Encoding:   "utf8",
		VersionID:  1,
		Truncated:  truncated,
	}

	m.mu.Lock()
	if existing, ok := m.documents[uri]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.documents[uri] = doc
	onOpened := m.onDocOpened
	m.mu.Unlock()

	if truncated {
		m.log.Warn("document truncated at cap", "uri", uri, "capBytes", MaxDocumentBytes)
	}
	if onOpened != nil {
		onOpened(uri)
	}
	m.scheduleFlush()
	return doc, nil
}

// SyncToGuest ensures uri's document exists, allocates a fresh editor
// id, marks it active, and schedules an update.
func (m *Mirror) SyncToGuest(uri string, isText bool, options EditorOptions) (*Editor, error) {
	if _, err := m.OpenDocument(uri, isText); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextEditorID++
	id := m.nextEditorID
	ed := &Editor{ID: id, DocumentURI: uri, Options: options}
	m.editors[id] = ed
	m.activeEditor = &id
	m.mu.Unlock()

	m.scheduleFlush()
	return ed, nil
}

// OpenEditor opens uri (loading the document if needed) and syncs a
// new editor for it.
func (m *Mirror) OpenEditor(uri string) (*Editor, error) {
	return m.SyncToGuest(uri, true, EditorOptions{TabSize: 4, InsertSpaces: true})
}

// OpenDiffEditor opens both sides of a diff view and syncs an editor
// for the right-hand document, matching the guest-visible shape of a
// single active editor.
func (m *Mirror) OpenDiffEditor(left, right, title string) (*Editor, error) {
	if _, err := m.OpenDocument(left, true); err != nil {
		return nil, err
	}
	return m.OpenEditor(right)
}

// RemoveEditor evicts an editor; if no remaining editor references its
// document, the document is evicted too.
func (m *Mirror) RemoveEditor(id int) {
	m.mu.Lock()
	ed, ok := m.editors[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.editors, id)
	if m.activeEditor != nil && *m.activeEditor == id {
		m.activeEditor = nil
	}

	stillReferenced := false
	for _, other := range m.editors {
		if other.DocumentURI == ed.DocumentURI {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		delete(m.documents, ed.DocumentURI)
	}
	onClosed := m.onDocClosed
	m.mu.Unlock()

	if !stillReferenced && onClosed != nil {
		onClosed(ed.DocumentURI)
	}
	m.scheduleFlush()
}

// UpdateDocumentContent replaces a known document's lines, bumps its
// versionId, and schedules an update. Used by editor edits; external
// file changes go through Invalidate instead.
func (m *Mirror) UpdateDocumentContent(uri string, lines []string) error {
	m.mu.Lock()
	doc, ok := m.documents[uri]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mirror: update unknown document %s", uri)
	}
	doc.Lines = lines
	doc.VersionID++
	m.mu.Unlock()

	m.scheduleFlush()
	return nil
}

// Invalidate re-reads a known document from disk, capped the same way
// OpenDocument caps an initial read, and ships the result as a
// content update. Used by internal/fswatch when the underlying file
// changes outside the mirror's own edit path. Unknown uris are
// ignored: the mirror only tracks documents it opened itself.
func (m *Mirror) Invalidate(uri string) error {
	m.mu.Lock()
	_, ok := m.documents[uri]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	data, truncated, err := m.readFile(uri)
	if err != nil {
		return fmt.Errorf("mirror: invalidate %s: %w", uri, err)
	}
	lines := strings.Split(string(data), "\n")

	m.mu.Lock()
	doc, ok := m.documents[uri]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	doc.Lines = lines
	doc.Truncated = truncated
	doc.VersionID++
	m.mu.Unlock()

	if truncated {
		m.log.Warn("document truncated at cap on external change", "uri", uri, "capBytes", MaxDocumentBytes)
	}
	m.scheduleFlush()
	return nil
}

// SetDirty marks a known document's dirty flag and schedules an
// update.
func (m *Mirror) SetDirty(uri string, dirty bool) {
	m.mu.Lock()
	doc, ok := m.documents[uri]
	if ok {
		doc.IsDirty = dirty
	}
	m.mu.Unlock()
	if ok {
		m.scheduleFlush()
	}
}

func (m *Mirror) scheduleFlush() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Reset(DebounceInterval)
		return
	}
	m.timer = time.AfterFunc(DebounceInterval, m.flush)
}

// SyncUpdates forces an immediate flush, bypassing the debounce timer.
func (m *Mirror) SyncUpdates() {
	m.timerMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerMu.Unlock()
	m.flush()
}

func (m *Mirror) flush() {
	delta := m.computeDelta()
	if delta.isEmpty() {
		return
	}
	if m.onFlush != nil {
		m.onFlush(delta)
	}
}

func (m *Mirror) snapshotLocked() snapshot {
	docs := make(map[string]Document, len(m.documents))
	for uri, d := range m.documents {
		docs[uri] = *d
	}
	eds := make(map[int]Editor, len(m.editors))
	for id, e := range m.editors {
		eds[id] = *e
	}
	var active *int
	if m.activeEditor != nil {
		v := *m.activeEditor
		active = &v
	}
	return snapshot{documents: docs, editors: eds, active: active}
}

// computeDelta diffs the live state against the last-shipped
// snapshot, in the order the spec mandates: structural, per-editor,
// per-document content.
func (m *Mirror) computeDelta() Delta {
	m.mu.Lock()
	current := m.snapshotLocked()
	prev := m.last
	m.last = current
	m.mu.Unlock()

	var d Delta
	for uri := range prev.documents {
		if _, ok := current.documents[uri]; !ok {
			d.Structural.RemovedDocuments = append(d.Structural.RemovedDocuments, uri)
		}
	}
	for uri := range current.documents {
		if _, ok := prev.documents[uri]; !ok {
			d.Structural.AddedDocuments = append(d.Structural.AddedDocuments, uri)
		}
	}
	for id := range prev.editors {
		if _, ok := current.editors[id]; !ok {
			d.Structural.RemovedEditors = append(d.Structural.RemovedEditors, id)
		}
	}
	for id := range current.editors {
		if _, ok := prev.editors[id]; !ok {
			d.Structural.AddedEditors = append(d.Structural.AddedEditors, id)
		}
	}
	if !intPtrEqual(prev.active, current.active) {
		d.Structural.NewActiveEditor = current.active
	}

	for id, ed := range current.editors {
		prevEd, existed := prev.editors[id]
		if !existed {
			continue // already covered by AddedEditors; no separate property delta needed
		}
		if editorPropsEqual(prevEd, ed) {
			continue
		}
		opts := ed.Options
		d.Editors = append(d.Editors, EditorPropertyDelta{
			EditorID:      id,
			Options:       &opts,
			Selections:    ed.Selections,
			VisibleRanges: ed.VisibleRanges,
		})
	}

	for uri, doc := range current.documents {
		prevDoc, existed := prev.documents[uri]
		if !existed {
			// Nothing to replace: the ship inserts into an empty range.
			d.Documents = append(d.Documents, contentDeltaFor(Document{}, doc))
			continue
		}
		if documentContentEqual(prevDoc, doc) {
			continue
		}
		d.Documents = append(d.Documents, contentDeltaFor(prevDoc, doc))
	}

	return d
}

// contentDeltaFor builds a full-range-replacement delta: the range and
// length describe the text being replaced (prevDoc, the last-shipped
// state), while the shipped text and versionId come from doc, the
// current state (spec §4.10).
func contentDeltaFor(prevDoc, doc Document) ContentDelta {
	lastLine := len(prevDoc.Lines)
	lastCol := 1
	if lastLine > 0 {
		lastCol = len(prevDoc.Lines[lastLine-1]) + 1
	}
	return ContentDelta{
		URI:       doc.URI,
		Range:     Range{StartLine: 1, StartCol: 1, EndLine: lastLine, EndCol: lastCol},
		Offset:    0,
		Length:    len(prevDoc.text()),
		Text:      doc.text(),
		VersionID: doc.VersionID,
	}
}

func documentContentEqual(a, b Document) bool {
	if a.EOL != b.EOL || a.LanguageID != b.LanguageID || a.IsDirty != b.IsDirty || a.Encoding != b.Encoding {
		return false
	}
	if len(a.Lines) != len(b.Lines) {
		return false
	}
	for i := range a.Lines {
		if a.Lines[i] != b.Lines[i] {
			return false
		}
	}
	return true
}

func editorPropsEqual(a, b Editor) bool {
	if a.Options != b.Options {
		return false
	}
	if len(a.Selections) != len(b.Selections) || len(a.VisibleRanges) != len(b.VisibleRanges) {
		return false
	}
	for i := range a.Selections {
		if a.Selections[i] != b.Selections[i] {
			return false
		}
	}
	for i := range a.VisibleRanges {
		if a.VisibleRanges[i] != b.VisibleRanges[i] {
			return false
		}
	}
	return true
}

func intPtrEqual(a, b *int) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
