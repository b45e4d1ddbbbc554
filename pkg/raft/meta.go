package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ruftgo/ruft/pkg/endpoint"
)

// metaFileSize is the fixed size of the mmap-backed metadata file. The
// record itself is small; the file is sized generously so a future,
// larger self-describing record never needs a format migration.
const metaFileSize = 4096

// metaHeaderSize is the length-prefix + CRC32 header placed in front of
// the gob-encoded payload, mirroring the framing the log's own on-disk
// records use: 4-byte little-endian length, 4-byte little-endian CRC32,
// then the payload.
const metaHeaderSize = 8

// metaRecord is the self-describing payload mapped into meta.bin. It is
// never cast onto the mapped bytes directly - always encoded and decoded
// through gob - so the on-disk shape can grow without the reader needing
// to know the writer's exact struct layout.
type metaRecord struct {
	Term        uint64
	VotedFor    string
	LogID       uint64
	CommitIndex uint64
	Members     []endpoint.Endpoint
}

// PersistentMeta is the mmap-backed store for the handful of fields Raft
// must durably remember across restarts: current term, the candidate
// voted for this term, the last assigned log id, the commit index, and
// the cluster membership list. Every mutator flushes the full record with
// Msync before returning, so a crash never observes a torn write.
type PersistentMeta struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	mapped []byte
	rec    metaRecord
}

// OpenPersistentMeta opens (creating if absent) the metadata file at
// <dataDir>/meta.bin, maps it into memory, and decodes its current
// record. A zero-length file is treated as a fresh store and seeded with
// initialMembers; a non-empty file that fails to decode (including one
// that holds only zero bytes) is a fatal storage error - the caller must
// not start the engine on possibly-corrupt state.
func OpenPersistentMeta(dataDir string, initialMembers []endpoint.Endpoint) (*PersistentMeta, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, wrapErr(CategoryIO, "meta.mkdir", err)
	}
	path := dataDir + "/meta.bin"

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(CategoryIO, "meta.open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(CategoryIO, "meta.stat", err)
	}
	wasEmpty := info.Size() == 0
	if info.Size() < metaFileSize {
		if err := f.Truncate(metaFileSize); err != nil {
			f.Close()
			return nil, wrapErr(CategoryIO, "meta.truncate", err)
		}
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, metaFileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, wrapErr(CategoryIO, "meta.mmap", err)
	}

	m := &PersistentMeta{path: path, file: f, mapped: mapped}

	rec, ok, err := decodeMetaRecord(mapped)
	if err != nil {
		m.Close()
		return nil, wrapErr(CategoryStorage, "meta.decode", err)
	}
	if !ok {
		if !wasEmpty {
			// Non-empty but undecodable: refuse to run on unknown state.
			m.Close()
			return nil, wrapErr(CategoryStorage, "meta.decode", fmt.Errorf("meta.bin is non-empty but has no valid record"))
		}
		m.rec = metaRecord{Members: append([]endpoint.Endpoint(nil), initialMembers...)}
		if err := m.persistLocked(); err != nil {
			m.Close()
			return nil, err
		}
		return m, nil
	}

	m.rec = rec
	return m, nil
}

func decodeMetaRecord(mapped []byte) (metaRecord, bool, error) {
	if len(mapped) < metaHeaderSize {
		return metaRecord{}, false, nil
	}
	length := binary.LittleEndian.Uint32(mapped[0:4])
	wantCRC := binary.LittleEndian.Uint32(mapped[4:8])
	if length == 0 || int(length) > len(mapped)-metaHeaderSize {
		return metaRecord{}, false, nil
	}
	payload := mapped[metaHeaderSize : metaHeaderSize+int(length)]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return metaRecord{}, false, fmt.Errorf("crc mismatch in metadata record")
	}
	var rec metaRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return metaRecord{}, false, fmt.Errorf("decode metadata record: %w", err)
	}
	return rec, true, nil
}

// persistLocked re-encodes the full record and writes it into the
// mapping, flushing synchronously before returning. Caller must hold mu.
func (m *PersistentMeta) persistLocked() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.rec); err != nil {
		return wrapErr(CategorySerialization, "meta.encode", err)
	}
	payload := buf.Bytes()
	if len(payload)+metaHeaderSize > len(m.mapped) {
		return wrapErr(CategoryStorage, "meta.persist", fmt.Errorf("metadata record %d bytes exceeds file size %d", len(payload), len(m.mapped)))
	}

	binary.LittleEndian.PutUint32(m.mapped[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(m.mapped[4:8], crc32.ChecksumIEEE(payload))
	copy(m.mapped[metaHeaderSize:], payload)

	if err := unix.Msync(m.mapped, unix.MS_SYNC); err != nil {
		return wrapErr(CategoryIO, "meta.msync", err)
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (m *PersistentMeta) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.mapped != nil {
		err = unix.Munmap(m.mapped)
		m.mapped = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
	}
	return err
}

// Term returns the current term.
func (m *PersistentMeta) Term() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Term
}

// VotedFor returns the endpoint ID voted for in the current term, or ""
// if no vote has been cast.
func (m *PersistentMeta) VotedFor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.VotedFor
}

// LogID returns the last assigned log id.
func (m *PersistentMeta) LogID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.LogID
}

// CommitIndex returns the last known committed log id.
func (m *PersistentMeta) CommitIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.CommitIndex
}

// Members returns a snapshot of the current membership list.
func (m *PersistentMeta) Members() []endpoint.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]endpoint.Endpoint, len(m.rec.Members))
	copy(out, m.rec.Members)
	return out
}

// NextTerm advances to term+1, clears votedFor, and persists atomically.
// Returns the new term.
func (m *PersistentMeta) NextTerm() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Term++
	m.rec.VotedFor = ""
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return m.rec.Term, nil
}

// SetTerm sets term directly (used when a higher term is observed on an
// incoming RPC), clears votedFor, and persists.
func (m *PersistentMeta) SetTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if term <= m.rec.Term {
		return nil
	}
	m.rec.Term = term
	m.rec.VotedFor = ""
	return m.persistLocked()
}

// SetVotedFor records the candidate id voted for in the current term and
// persists.
func (m *PersistentMeta) SetVotedFor(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.VotedFor = id
	return m.persistLocked()
}

// NextLogID assigns and persists the next log id.
func (m *PersistentMeta) NextLogID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.LogID++
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return m.rec.LogID, nil
}

// SetCommitIndex advances the committed log id and persists.
func (m *PersistentMeta) SetCommitIndex(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index <= m.rec.CommitIndex {
		return nil
	}
	m.rec.CommitIndex = index
	return m.persistLocked()
}

// UpdateMembers replaces the membership list wholesale and persists.
func (m *PersistentMeta) UpdateMembers(members []endpoint.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Members = append([]endpoint.Endpoint(nil), members...)
	return m.persistLocked()
}
