package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

type EntryKind int

const (
	EntryText EntryKind = iota
	EntryFile
)

// Entry is one tagged element of the accumulated message sequence. Text and
// file references are distinguished structurally, never by string prefixes.
type Entry struct {
	Kind     EntryKind
	Text     string // EntryText: trimmed message text
	Name     string // EntryFile: display name (original filename or photo.jpg)
	Rejected bool   // EntryFile: refused by the extension policy, not downloaded
}

// Turn groups the entries produced by a single inbound event.
type Turn struct {
	Entries []Entry
}

func (t Turn) Empty() bool {
	return len(t.Entries) == 0
}

// FileRecord is one line of the task card's attachment list.
type FileRecord struct {
	Label    string
	Accepted bool
}

// Session accumulates one user's submission between start and
// publish/cancel. It is exclusively owned by its user's event stream; the
// transport serializes per-user delivery.
type Session struct {
	TaskID int64

	turns     []Turn
	files     []FileRecord
	renameLog []string
	namer     Namer
	dir       string
}

// PhotoDisplayName is the display name recorded for photo attachments, which
// carry no original filename.
const PhotoDisplayName = "photo.jpg"

// Saved describes an accepted attachment after it has been written to disk.
type Saved struct {
	Display string
	Path    string
}

// Append adds one event's entries to the message sequence. Empty turns are
// discarded.
func (s *Session) Append(turn Turn) {
	if turn.Empty() {
		return
	}
	s.turns = append(s.turns, turn)
}

// SaveDocument writes an accepted document under the session directory as
// {taskId}_{seq}{ext} and records the rename.
func (s *Session) SaveDocument(name string, r io.Reader) (Saved, error) {
	return s.save(name, filepath.Ext(name), r)
}

// SavePhoto writes a photo. Photos are always normalized to .jpg and carry a
// synthetic original name derived from the transport's unique file id.
func (s *Session) SavePhoto(uniqueID string, r io.Reader) (Saved, error) {
	saved, err := s.save(fmt.Sprintf("photo_%s.jpg", uniqueID), ".jpg", r)
	if err != nil {
		return Saved{}, err
	}
	saved.Display = PhotoDisplayName
	return saved, nil
}

func (s *Session) save(originalName, ext string, r io.Reader) (Saved, error) {
	filename := fmt.Sprintf("%d_%d%s", s.TaskID, s.namer.Next(), ext)
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return Saved{}, err
	}
	path := filepath.Join(s.dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return Saved{}, err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return Saved{}, err
	}
	if err := f.Close(); err != nil {
		return Saved{}, err
	}

	s.renameLog = append(s.renameLog, fmt.Sprintf("%s -> %s", originalName, filename))
	s.files = append(s.files, FileRecord{Label: fmt.Sprintf("%s -> %s", originalName, path), Accepted: true})
	s.namer.Advance()
	return Saved{Display: originalName, Path: path}, nil
}

// Reject records an attachment refused by the extension policy. Nothing is
// downloaded; the returned display string is the placeholder that stands in
// for the attachment in the transcript.
func (s *Session) Reject(name string) string {
	placeholder := fmt.Sprintf("%s [rejected: extension not allowed]", name)
	s.files = append(s.files, FileRecord{Label: placeholder})
	return placeholder
}

// Turns returns the accumulated message sequence.
func (s *Session) Turns() []Turn {
	return s.turns
}

// Files returns the attachment list for the task card, rejections included.
func (s *Session) Files() []FileRecord {
	return s.files
}

// AcceptedCount returns the number of attachments written to disk.
func (s *Session) AcceptedCount() int {
	n := 0
	for _, f := range s.files {
		if f.Accepted {
			n++
		}
	}
	return n
}

// RenameLog returns the audit trail of original -> local filename mappings,
// one mapping per line.
func (s *Session) RenameLog() string {
	if len(s.renameLog) == 0 {
		return ""
	}
	log := ""
	for _, line := range s.renameLog {
		log += line + "\n"
	}
	return log
}

// Dir returns the session's attachment directory.
func (s *Session) Dir() string {
	return s.dir
}

// SaveTranscript writes the accumulated raw text next to the attachments.
func (s *Session) SaveTranscript(text string) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%d_text.txt", s.TaskID))
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// SaveRenameLog writes the rename audit file next to the attachments.
func (s *Session) SaveRenameLog(log string) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, "rename.txt")
	if err := os.WriteFile(path, []byte(log), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Purge removes every file under the session directory and the directory
// itself. Purging an already-removed directory is a no-op.
func (s *Session) Purge() error {
	return os.RemoveAll(s.dir)
}

// Manager owns the per-user sessions. Each session is created on start,
// discarded on publish or cancel, and always followed by a fresh one.
type Manager struct {
	dataDir string
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir:  dataDir,
		now:      time.Now,
		sessions: make(map[int64]*Session),
	}
}

// Begin replaces the user's session with a fresh one bound to taskID. Buffers
// and the attachment sequence start empty; the directory is partitioned by
// today's date, then the task id.
func (m *Manager) Begin(userID, taskID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{
		TaskID: taskID,
		dir:    filepath.Join(m.dataDir, m.now().Format("2006-01-02"), strconv.FormatInt(taskID, 10)),
	}
	s.namer.Reset()
	m.sessions[userID] = s
	return s
}

// Get returns the user's current session, if any.
func (m *Manager) Get(userID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Drop discards the user's session without starting a new one. Used on
// shutdown paths; normal publish/cancel immediately Begin again.
func (m *Manager) Drop(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}
