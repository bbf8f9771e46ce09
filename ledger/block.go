package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Block is the unit of agreement of one consensus instance.
type Block struct {
	AuthorID     string
	Transactions []*Transaction
	Signature    []byte
}

// NewBlock creates an unsigned block.
func NewBlock(author string, txs []*Transaction) *Block {
	return &Block{
		AuthorID:     author,
		Transactions: txs,
	}
}

// Signable is the string covered by the signature of the author.
func (b *Block) Signable() string {
	var sb strings.Builder
	sb.WriteString(strconv.Quote(b.AuthorID))
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(len(b.Transactions)))
	for _, tx := range b.Transactions {
		// fixed-length hash of each transaction
		sum := sha256.Sum256([]byte(tx.Signable()))
		sb.WriteByte('|')
		sb.WriteString(hex.EncodeToString(sum[:]))
	}
	return sb.String()
}

// Digest identifies the block value; two blocks are the same value iff their digests match.
func (b *Block) Digest() string {
	if b == nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(b.Signable()))
	h.Write(b.Signature)
	for _, tx := range b.Transactions {
		h.Write(tx.Signature)
	}
	return hex.EncodeToString(h.Sum(nil))
}
