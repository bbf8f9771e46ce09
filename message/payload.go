package message

import (
	"encoding/hex"
	"strconv"

	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/sign"
)

// DecisionDigest is what the replicas threshold-sign when they commit a block for an instance.
func DecisionDigest(instance int, blockDigest string) []byte {
	return sign.Digest(strconv.Itoa(instance) + "|" + blockDigest)
}

// Payload is the type-specific part of a message. Signable is its canonical projection.
type Payload interface {
	Signable() string
}

// PrePrepare proposes a block for an instance and round.
type PrePrepare struct {
	Block *ledger.Block
}

func (p *PrePrepare) Signable() string {
	return p.Block.Digest()
}

// Prepare votes for the proposed block.
type Prepare struct {
	Block *ledger.Block
}

func (p *Prepare) Signable() string {
	return p.Block.Digest()
}

// Commit votes to decide a prepared block. PartialSig is the threshold share over the decision.
type Commit struct {
	Block      *ledger.Block
	PartialSig []byte
}

func (c *Commit) Signable() string {
	return c.Block.Digest() + "|" + hex.EncodeToString(c.PartialSig)
}

// RoundChange asks to move to a new round. PreparedRound is -1 when nothing was prepared.
type RoundChange struct {
	PreparedRound int
	PreparedBlock *ledger.Block
}

func (r *RoundChange) Signable() string {
	return strconv.Itoa(r.PreparedRound) + "|" + r.PreparedBlock.Digest()
}

// Transfer is a client request to append a transaction.
type Transfer struct {
	Transaction *ledger.Transaction
}

func (t *Transfer) Signable() string {
	return t.Transaction.Signable()
}

// Balance is a client request for the balance of an account.
type Balance struct {
	AccountID string
}

func (b *Balance) Signable() string {
	return strconv.Quote(b.AccountID)
}

// TransferResponse reports the outcome of a transfer. Position, Instance, BlockDigest and Proof
// are assigned by the decision and are left out of the signature. Proof is the threshold
// signature over DecisionDigest(Instance, BlockDigest).
type TransferResponse struct {
	Transaction *ledger.Transaction
	Status      ledger.Status
	Position    int
	Instance    int
	BlockDigest string
	Proof       []byte
}

func (t *TransferResponse) Signable() string {
	return t.Transaction.Signable() + "|" + string(t.Status)
}

// BalanceResponse answers a Balance request.
type BalanceResponse struct {
	AccountID string
	Balance   int64
	Status    ledger.Status
}

func (b *BalanceResponse) Signable() string {
	return strconv.Quote(b.AccountID) + "|" + strconv.FormatInt(b.Balance, 10) + "|" + string(b.Status)
}
