/*
Package ledger implements the content agreed on by the replicas: signed transactions,
blocks of transactions, and the append-only ledger with the account balances it drives.
*/
package ledger

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

// Status is the outcome of a transfer request.
type Status string

const (
	Success         Status = "SUCCESS"
	FailedBalance   Status = "FAILED_BALANCE"
	FailedReceiver  Status = "FAILED_RECEIVER"
	FailedSender    Status = "FAILED_SENDER"
	FailedSignature Status = "FAILED_SIGNATURE"
	FailedRepeated  Status = "FAILED_REPEATED"
	FailedID        Status = "FAILED_ID"
)

// Transaction moves Amount from Sender to Receiver. Nonce is chosen by the client,
// it correlates the responses and guards against replays.
type Transaction struct {
	Sender    string
	Receiver  string
	Amount    int64
	Nonce     int64
	Signature []byte
}

// NewTransaction creates an unsigned transaction with a random nonce.
func NewTransaction(sender, receiver string, amount int64) *Transaction {
	return &Transaction{
		Sender:   sender,
		Receiver: receiver,
		Amount:   amount,
		Nonce:    randomNonce(),
	}
}

// Signable is the string covered by the signature of the sender. Every field is delimited
// and the identities are quoted, so two different transactions never share a projection.
func (t *Transaction) Signable() string {
	return strconv.Quote(t.Sender) + "|" + strconv.Quote(t.Receiver) + "|" +
		strconv.FormatInt(t.Amount, 10) + "|" + strconv.FormatInt(t.Nonce, 10)
}

// Key identifies the transaction for replay detection.
func (t *Transaction) Key() string {
	return t.Sender + "/" + strconv.FormatInt(t.Nonce, 10)
}

func randomNonce() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return int64(binary.BigEndian.Uint64(b[:]) >> 1)
}
