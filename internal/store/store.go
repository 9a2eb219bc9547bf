// Package store persists chat messages in an append-only newline-delimited
// JSON log and mirrors them in memory for fast history queries. The log is
// the source of truth: it is replayed at startup, appended one record at a
// time, and rewritten wholesale when a message is deleted.
package store

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/homechat/server/internal/protocol"
)

// DefaultHistoryLimit caps history query results unless the caller asks for
// less.
const DefaultHistoryLimit = 200

// maxRecordBytes bounds a single log line during replay. Messages are capped
// at 2000 runes, so anything near this size is corruption.
const maxRecordBytes = 64 * 1024

// Store owns the durable message log plus its in-memory mirror. All methods
// are goroutine-safe. Append and Delete write to disk before the mirror is
// updated, so a failed write never leaves memory ahead of the log.
type Store struct {
	mu   sync.RWMutex
	path string
	file *os.File
	msgs []protocol.Message
}

// Open replays the log at path (creating it if absent) and returns a store
// ready for appends. Malformed lines — typically a record truncated by a
// crash mid-append — are skipped so one bad line never hides the rest of
// the history.
func Open(path string) (*Store, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open log: %w", err)
	}

	s := &Store{path: path, file: file}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordBytes)
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			skipped++
			continue
		}
		s.msgs = append(s.msgs, msg)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		file.Close()
		return nil, fmt.Errorf("store: replay log: %w", err)
	}
	if skipped > 0 {
		// Recovered past the damage; the bad lines are dropped for good at
		// the next rewrite.
		log.Printf("store: skipped %d malformed log records", skipped)
	}

	// A crash can leave the log ending in a partial record with no trailing
	// newline. Terminate it now so the next append starts a fresh line
	// instead of fusing with the damaged tail.
	if info, err := file.Stat(); err == nil && info.Size() > 0 {
		var last [1]byte
		if _, err := file.ReadAt(last[:], info.Size()-1); err == nil && last[0] != '\n' {
			if _, err := file.Write([]byte{'\n'}); err != nil {
				file.Close()
				return nil, fmt.Errorf("store: terminate partial record: %w", err)
			}
		}
	}
	return s, nil
}

// Append persists msg and adds it to the in-memory mirror. A missing ID is
// assigned at this point and is globally unique and unguessable. The write
// is a single syscall of the full line, so a crash leaves either a complete
// record or a truncated tail that replay skips. On write failure the mirror
// is untouched and the error is returned to the caller — the message was
// not sent.
func (s *Store) Append(msg protocol.Message) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = newMessageID()
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: marshal message: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return protocol.Message{}, fmt.Errorf("store: append record: %w", err)
	}

	s.msgs = append(s.msgs, msg)
	return msg, nil
}

// RoomHistory returns the most recent limit room messages for the named
// room, oldest first. limit <= 0 means DefaultHistoryLimit.
func (s *Store) RoomHistory(room string, limit int) []protocol.Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]protocol.Message, 0, limit)
	for _, m := range s.msgs {
		if m.Type == protocol.TypeRoomMsg && m.Room == room {
			matched = append(matched, m)
		}
	}
	return tail(matched, limit)
}

// DMHistory returns the most recent limit direct messages exchanged between
// userA and userB (either direction), oldest first.
func (s *Store) DMHistory(userA, userB string, limit int) []protocol.Message {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]protocol.Message, 0, limit)
	for _, m := range s.msgs {
		if m.Type != protocol.TypeDM {
			continue
		}
		if (m.From == userA && m.To == userB) || (m.From == userB && m.To == userA) {
			matched = append(matched, m)
		}
	}
	return tail(matched, limit)
}

// KnownSenders returns every distinct sender seen in the log.
func (s *Store) KnownSenders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	senders := make([]string, 0)
	for _, m := range s.msgs {
		if m.From != "" && !seen[m.From] {
			seen[m.From] = true
			senders = append(senders, m.From)
		}
	}
	return senders
}

// Delete removes the message with the given id, but only if it was sent by
// from — deletion is sender-scoped, not moderator-scoped. It reports whether
// a message was removed. On success the whole log is rewritten from the
// mirror (the log is expected to stay small); a failed rewrite leaves both
// log and mirror unchanged and returns the error.
func (s *Store) Delete(id, from string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.msgs {
		if m.ID == id && m.From == from {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	next := append(append([]protocol.Message{}, s.msgs[:idx]...), s.msgs[idx+1:]...)
	if err := s.rewrite(next); err != nil {
		return false, err
	}
	s.msgs = next
	return true, nil
}

// rewrite replaces the log with the given messages via a temp file and
// rename. The temp handle itself becomes the new append handle: after the
// rename it refers to the live log with its offset at the end, so there is
// no reopen step that could fail and leave appends going to the unlinked
// old file. A crash mid-rewrite leaves the previous log intact.
func (s *Store) rewrite(msgs []protocol.Message) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "messages-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp log: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: chmod temp log: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("store: marshal record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: flush temp log: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: replace log: %w", err)
	}

	s.file.Close()
	s.file = tmp
	return nil
}

// Close closes the log file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// tail returns the last limit elements of msgs.
func tail(msgs []protocol.Message, limit int) []protocol.Message {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// newMessageID builds an id like "l3x9k2-ab12": the current milliseconds in
// base36 plus a random base36 suffix, unique and not guessable from the
// timestamp alone.
func newMessageID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the OS entropy source is gone; fall back
		// to the timestamp's low bits rather than aborting the send.
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}

	const base36x4 = 36 * 36 * 36 * 36
	suffix := strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:]))%base36x4, 36)
	for len(suffix) < 4 {
		suffix = "0" + suffix
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + suffix
}
