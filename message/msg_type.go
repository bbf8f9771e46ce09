package message

import "reflect"

// Type tags a message and selects the payload carried in its body.
type Type uint8

const (
	PrePrepareTag Type = iota
	PrepareTag
	CommitTag
	RoundChangeTag
	AckTag
	IgnoreTag
	InvalidTag
	TransferTag
	BalanceTag
	TransferResponseTag
	BalanceResponseTag
)

var typeNames = map[Type]string{
	PrePrepareTag:       "PRE_PREPARE",
	PrepareTag:          "PREPARE",
	CommitTag:           "COMMIT",
	RoundChangeTag:      "ROUND_CHANGE",
	AckTag:              "ACK",
	IgnoreTag:           "IGNORE",
	InvalidTag:          "INVALID",
	TransferTag:         "TRANSFER",
	BalanceTag:          "BALANCE",
	TransferResponseTag: "TRANSFER_RESPONSE",
	BalanceResponseTag:  "BALANCE_RESPONSE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsConsensus reports whether messages of this type belong to a consensus instance.
func (t Type) IsConsensus() bool {
	return t <= RoundChangeTag
}

var prePrepare PrePrepare
var prepare Prepare
var commit Commit
var roundChange RoundChange
var transfer Transfer
var balance Balance
var transferResponse TransferResponse
var balanceResponse BalanceResponse

// reflectedTypesMap gives the payload type of each tag that carries one.
var reflectedTypesMap = map[Type]reflect.Type{
	PrePrepareTag:       reflect.TypeOf(prePrepare),
	PrepareTag:          reflect.TypeOf(prepare),
	CommitTag:           reflect.TypeOf(commit),
	RoundChangeTag:      reflect.TypeOf(roundChange),
	TransferTag:         reflect.TypeOf(transfer),
	BalanceTag:          reflect.TypeOf(balance),
	TransferResponseTag: reflect.TypeOf(transferResponse),
	BalanceResponseTag:  reflect.TypeOf(balanceResponse),
}
