// Package sessions stores per-chat engine resume tokens in a single
// versioned JSON document. The whole file is rewritten atomically
// (temp file + rename) on every mutation; readers tolerate a missing
// or malformed file by starting empty. On version mismatch the content
// is dropped rather than migrated.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DocumentVersion is bumped whenever the on-disk shape changes.
const DocumentVersion = 1

// EngineSession is one engine's resume state for a chat.
type EngineSession struct {
	ResumeToken string    `json:"resume_token"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Context binds a chat to a project working directory.
type Context struct {
	Project string `json:"project,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// ChatState is everything remembered about one chat.
type ChatState struct {
	SessionsByEngine map[string]EngineSession `json:"sessions_by_engine,omitempty"`
	Context          *Context                 `json:"context,omitempty"`
	DefaultEngine    string                   `json:"default_engine,omitempty"`
}

// document is the on-disk shape.
type document struct {
	Version int                   `json:"version"`
	Cwd     string                `json:"cwd,omitempty"`
	Chats   map[string]*ChatState `json:"chats,omitempty"`
}

// Store owns the sessions.json document.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// Open loads (or initializes) the session document. If the persisted
// cwd differs from the current working directory, all resume tokens
// are invalidated: an engine resumed in the wrong directory would see
// the wrong files.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	s.doc = document{Version: DocumentVersion, Chats: map[string]*ChatState{}}

	data, err := os.ReadFile(path)
	if err == nil {
		var doc document
		if jerr := json.Unmarshal(data, &doc); jerr == nil && doc.Version == DocumentVersion {
			if doc.Chats == nil {
				doc.Chats = map[string]*ChatState{}
			}
			s.doc = doc
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err == nil && s.doc.Cwd != "" && s.doc.Cwd != cwd {
		for _, chat := range s.doc.Chats {
			chat.SessionsByEngine = nil
		}
	}
	if err == nil {
		s.doc.Cwd = cwd
	}
	return s, nil
}

// ResumeToken returns the stored token for (chat, engine), or "".
func (s *Store) ResumeToken(chatID int64, engineID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := s.doc.Chats[chatKey(chatID)]
	if chat == nil {
		return ""
	}
	return chat.SessionsByEngine[engineID].ResumeToken
}

// SetResumeToken records the token for (chat, engine) and persists.
// An empty token clears the entry, keeping at most one token per
// (chat, engine).
func (s *Store) SetResumeToken(chatID int64, engineID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := s.chat(chatID)
	if token == "" {
		delete(chat.SessionsByEngine, engineID)
	} else {
		if chat.SessionsByEngine == nil {
			chat.SessionsByEngine = map[string]EngineSession{}
		}
		chat.SessionsByEngine[engineID] = EngineSession{
			ResumeToken: token,
			UpdatedAt:   time.Now(),
		}
	}
	return s.persist()
}

// DefaultEngine returns the chat's default engine override, or "".
func (s *Store) DefaultEngine(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat := s.doc.Chats[chatKey(chatID)]; chat != nil {
		return chat.DefaultEngine
	}
	return ""
}

// SetDefaultEngine records the chat's default engine and persists.
func (s *Store) SetDefaultEngine(chatID int64, engineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat(chatID).DefaultEngine = engineID
	return s.persist()
}

// Context returns the chat's project binding, or nil.
func (s *Store) Context(chatID int64) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat := s.doc.Chats[chatKey(chatID)]; chat != nil && chat.Context != nil {
		c := *chat.Context
		return &c
	}
	return nil
}

// SetContext records the chat's project binding and persists. Changing
// the bound project invalidates the chat's resume tokens: the engine
// would otherwise resume in the wrong working directory.
func (s *Store) SetContext(chatID int64, ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := s.chat(chatID)
	prev := chat.Context
	chat.Context = ctx
	if prev == nil || ctx == nil || prev.Project != ctx.Project || prev.Branch != ctx.Branch {
		chat.SessionsByEngine = nil
	}
	return s.persist()
}

// Reset drops a chat's state entirely and persists.
func (s *Store) Reset(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Chats, chatKey(chatID))
	return s.persist()
}

func (s *Store) chat(chatID int64) *ChatState {
	key := chatKey(chatID)
	chat := s.doc.Chats[key]
	if chat == nil {
		chat = &ChatState{}
		s.doc.Chats[key] = chat
	}
	return chat
}

// persist writes the document via temp file + rename for crash safety.
// Caller holds s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path, data)
}

// WriteFileAtomic writes data to path through a temp file in the same
// directory followed by a rename, so readers never observe a partial
// write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
