package blockchain

import (
	"fmt"

	"blockci/internal/security"
)

// VerifyChain re-computes each block hash, link and signature to detect
// tampering.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		if b.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, b.Index)
		}

		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}

		if i > 0 && b.PrevHash != l.blocks[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", b.Index)
		}

		ok, err := security.VerifySignatureFromHex(b.PubKey, []byte(b.Hash), b.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", b.Index, err)
		}
		if !ok {
			return fmt.Errorf("bad signature at index %d", b.Index)
		}
		if len(l.keys.Public) > 0 && b.PubKey != l.keys.PublicHex() {
			return fmt.Errorf("block %d was signed by an unknown key", b.Index)
		}
	}
	return nil
}
