package blockchain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"blockci/internal/security"
)

// Ledger is an append-only chain of signed blocks persisted as JSON lines.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
	keys   security.KeyPair
}

// OpenLedger loads an existing ledger file or creates an empty one. A ledger
// opened without a private key can be verified but not appended to.
func OpenLedger(path string, keys security.KeyPair) (*Ledger, error) {
	l := &Ledger{path: path, keys: keys}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return l, f.Close()
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry %d: %w", len(l.blocks), err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

// Append chains rec onto the ledger and returns the stored block.
func (l *Ledger) Append(rec Record) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].Hash
	}
	b, err := NewBlock(len(l.blocks), rec, prev)
	if err != nil {
		return nil, err
	}
	if err := l.appendLocked(b); err != nil {
		return nil, err
	}
	return b, nil
}

// AppendBlock appends a block built by the caller. Its PrevHash must point
// at the current head.
func (l *Ledger) AppendBlock(b *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(b)
}

func (l *Ledger) appendLocked(b *Block) error {
	if b.Index != len(l.blocks) {
		return fmt.Errorf("index mismatch: expected %d, got %d", len(l.blocks), b.Index)
	}
	if n := len(l.blocks); n > 0 && b.PrevHash != l.blocks[n-1].Hash {
		return fmt.Errorf("prevHash mismatch: expected %s, got %s", l.blocks[n-1].Hash, b.PrevHash)
	}

	// recompute so the stored hash always matches the canonical fields
	h, err := b.ComputeHash()
	if err != nil {
		return fmt.Errorf("cannot recompute block hash: %w", err)
	}
	b.Hash = h

	if len(l.keys.Private) == 0 {
		return errors.New("private key is empty, cannot sign block")
	}
	b.Signature = security.SignData(l.keys.Private, []byte(b.Hash))
	b.PubKey = l.keys.PublicHex()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(b); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.blocks = append(l.blocks, b)
	return nil
}

// Blocks returns copies of all blocks in order.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// LastHash returns the last block hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}
