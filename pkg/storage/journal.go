package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Journal is an append-only audit trail of money-moving events.
// Entries are advisory: the ledger and order store remain the source of truth.
type Journal interface {
	Append(kind string, v any) error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal              { return &NopJournal{} }
func (j *NopJournal) Append(_ string, _ any) error { return nil }

// FileJournal writes one JSON object per line
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &FileJournal{f: f}, nil
}

type journalLine struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Append writes one line. A marshal failure is recorded in place of the
// payload; a write failure is returned.
func (j *FileJournal) Append(kind string, v any) error {
	line, err := json.Marshal(journalLine{Kind: kind, Data: v})
	if err != nil {
		line = []byte(fmt.Sprintf(`{"kind":%q,"error":%q}`, kind, err.Error()))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal %s: %w", kind, err)
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
