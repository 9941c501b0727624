package domain

import "fmt"

// BlockTip identifies the best block of the chain.
type BlockTip struct {
	Height int64
	Hash   string
}

func (t BlockTip) IsZero() bool {
	return t.Height == 0 && len(t.Hash) == 0
}

func (t BlockTip) Equal(other BlockTip) bool {
	return t.Height == other.Height && t.Hash == other.Hash
}

func (t BlockTip) String() string {
	return fmt.Sprintf("%d:%s", t.Height, t.Hash)
}
