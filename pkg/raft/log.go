package raft

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// Log is the in-memory, disk-backed sequence of LogEntry records a Node
// replicates. PersistentMeta tracks only the last assigned id, the
// commit index, and the term/vote/membership fields; the entries
// themselves live here, under the same length-prefixed-gob-plus-CRC32
// framing the metadata store uses, appended one record per call instead
// of rewriting the whole file.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	entries []LogEntry
}

// OpenLog opens (creating if absent) the log file at <dataDir>/log.dat
// and replays any records already on disk.
func OpenLog(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, wrapErr(CategoryIO, "log.mkdir", err)
	}
	f, err := os.OpenFile(dataDir+"/log.dat", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(CategoryIO, "log.open", err)
	}
	l := &Log{file: f}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return wrapErr(CategoryIO, "log.seek", err)
	}
	r := bufio.NewReader(l.file)
	for {
		var header [8]byte
		if _, err := readFull(r, header[:]); err != nil {
			break // EOF or short trailing record: stop replaying
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := readFull(r, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			return wrapErr(CategoryStorage, "log.replay", fmt.Errorf("crc mismatch replaying log.dat"))
		}
		var entry LogEntry
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&entry); err != nil {
			return wrapErr(CategoryStorage, "log.replay", err)
		}
		l.entries = append(l.entries, entry)
	}
	if _, err := l.file.Seek(0, 2); err != nil {
		return wrapErr(CategoryIO, "log.seek", err)
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Append writes entry to disk and into the in-memory tail.
func (l *Log) Append(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return wrapErr(CategorySerialization, "log.encode", err)
	}
	payload := buf.Bytes()

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.file.Write(header[:]); err != nil {
		return wrapErr(CategoryIO, "log.write", err)
	}
	if _, err := l.file.Write(payload); err != nil {
		return wrapErr(CategoryIO, "log.write", err)
	}
	if err := l.file.Sync(); err != nil {
		return wrapErr(CategoryIO, "log.sync", err)
	}

	l.entries = append(l.entries, entry)
	return nil
}

// TruncateAfter drops every entry with LogID > id, rewriting the file
// from scratch. Used when a follower's log conflicts with the leader's
// and must be rolled back before new entries are appended.
func (l *Log) TruncateAfter(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.LogID <= id {
			kept = append(kept, e)
		}
	}
	l.entries = kept

	if err := l.file.Truncate(0); err != nil {
		return wrapErr(CategoryIO, "log.truncate", err)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return wrapErr(CategoryIO, "log.seek", err)
	}
	for _, e := range l.entries {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(e); err != nil {
			return wrapErr(CategorySerialization, "log.encode", err)
		}
		payload := buf.Bytes()
		var header [8]byte
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
		if _, err := l.file.Write(header[:]); err != nil {
			return wrapErr(CategoryIO, "log.write", err)
		}
		if _, err := l.file.Write(payload); err != nil {
			return wrapErr(CategoryIO, "log.write", err)
		}
	}
	return l.file.Sync()
}

// Get returns the entry with the given id, if present.
func (l *Log) Get(id uint64) (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.LogID == id {
			return e, true
		}
	}
	return LogEntry{}, false
}

// From returns every entry with LogID > after, in order.
func (l *Log) From(after uint64) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, 0)
	for _, e := range l.entries {
		if e.LogID > after {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the last entry, if the log is non-empty.
func (l *Log) Last() (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return LogEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// TermAt returns the term of the entry with the given id, 0 if absent.
func (l *Log) TermAt(id uint64) uint64 {
	e, ok := l.Get(id)
	if !ok {
		return 0
	}
	return e.Term
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
