package blockchain

import (
	"fmt"
	"time"

	"blockci/pkg/utils"
)

// Block kinds.
const (
	KindStep = "step"
	KindJob  = "job"
)

// Block is a tamper-evident record of one executed step or one finished job.
type Block struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	RunID     string `json:"runId"`
	Pipeline  string `json:"pipeline"`
	Job       string `json:"job"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Command   string `json:"command,omitempty"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath,omitempty"`
	LogHash   string `json:"logHash,omitempty"`
	WorkerID  string `json:"workerId,omitempty"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// Record is the content of a block before it is chained.
type Record struct {
	Kind     string
	RunID    string
	Pipeline string
	Job      string
	Status   string
	Reason   string
	Command  string
	ExitCode int
	LogPath  string
	LogHash  string
	WorkerID string
}

// canonical is the view the block hash is computed over. It excludes Hash,
// Signature and PubKey.
type canonical struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	RunID     string `json:"runId"`
	Pipeline  string `json:"pipeline"`
	Job       string `json:"job"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath"`
	LogHash   string `json:"logHash"`
	WorkerID  string `json:"workerId"`
	PrevHash  string `json:"prevHash"`
}

// ComputeHash calculates SHA256 over the canonical fields
func (b *Block) ComputeHash() (string, error) {
	return utils.HashJSON(canonical{
		Index:     b.Index,
		Timestamp: b.Timestamp,
		Kind:      b.Kind,
		RunID:     b.RunID,
		Pipeline:  b.Pipeline,
		Job:       b.Job,
		Status:    b.Status,
		Reason:    b.Reason,
		Command:   b.Command,
		ExitCode:  b.ExitCode,
		LogPath:   b.LogPath,
		LogHash:   b.LogHash,
		WorkerID:  b.WorkerID,
		PrevHash:  b.PrevHash,
	})
}

// NewBlock constructs a block and computes its hash (no signature yet)
func NewBlock(index int, rec Record, prevHash string) (*Block, error) {
	blk := &Block{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      rec.Kind,
		RunID:     rec.RunID,
		Pipeline:  rec.Pipeline,
		Job:       rec.Job,
		Status:    rec.Status,
		Reason:    rec.Reason,
		Command:   rec.Command,
		ExitCode:  rec.ExitCode,
		LogPath:   rec.LogPath,
		LogHash:   rec.LogHash,
		WorkerID:  rec.WorkerID,
		PrevHash:  prevHash,
	}

	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}
