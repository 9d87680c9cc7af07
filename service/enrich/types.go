package enrich

import (
	"bytes"
	"encoding/json"

	"github.com/AlekSi/pointer"
)

// RawTransaction is a single transaction record as delivered by a raw webhook.
// It is treated as immutable input.
type RawTransaction struct {
	BlockTime        int64           `json:"blockTime"`
	IndexWithinBlock int             `json:"indexWithinBlock"`
	Meta             RawMeta         `json:"meta"`
	Slot             uint64          `json:"slot"`
	Transaction      RawEnvelope     `json:"transaction"`
	Version          json.RawMessage `json:"version,omitempty"` // "legacy" or a number
}

// RawMeta holds the execution metadata of a raw transaction.
type RawMeta struct {
	Err               json.RawMessage        `json:"err"`
	Fee               uint64                 `json:"fee"`
	InnerInstructions []RawInnerInstructions `json:"innerInstructions"`
	LoadedAddresses   *RawLoadedAddresses    `json:"loadedAddresses,omitempty"`
	LogMessages       []string               `json:"logMessages"`
	PostBalances      []uint64               `json:"postBalances"`
	PostTokenBalances []RawTokenBalance      `json:"postTokenBalances"`
	PreBalances       []uint64               `json:"preBalances"`
	PreTokenBalances  []RawTokenBalance      `json:"preTokenBalances"`
	Rewards           []json.RawMessage      `json:"rewards"`
}

// RawInnerInstructions groups the inner instructions invoked by one top-level instruction.
type RawInnerInstructions struct {
	Index        int              `json:"index"`
	Instructions []RawInstruction `json:"instructions"`
}

// RawInstruction is a compiled instruction with numeric account indices.
// Data is base58 encoded.
type RawInstruction struct {
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
	ProgramIDIndex int    `json:"programIdIndex"`
	StackHeight    *int   `json:"stackHeight,omitempty"`
}

// RawLoadedAddresses are the address lookup table keys appended to the static account keys.
type RawLoadedAddresses struct {
	Readonly []string `json:"readonly"`
	Writable []string `json:"writable"`
}

// RawTokenBalance is one entry of the pre/post token balance snapshots.
type RawTokenBalance struct {
	AccountIndex  int              `json:"accountIndex"`
	Mint          string           `json:"mint"`
	Owner         string           `json:"owner,omitempty"`
	ProgramID     string           `json:"programId,omitempty"`
	UITokenAmount RawUITokenAmount `json:"uiTokenAmount"`
}

type RawUITokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       uint8    `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

type RawEnvelope struct {
	Message    RawMessage `json:"message"`
	Signatures []string   `json:"signatures"`
}

type RawMessage struct {
	AccountKeys     []string         `json:"accountKeys"`
	Header          RawMessageHeader `json:"header"`
	Instructions    []RawInstruction `json:"instructions"`
	RecentBlockhash string           `json:"recentBlockhash"`
}

type RawMessageHeader struct {
	NumReadonlySignedAccounts   int `json:"numReadonlySignedAccounts"`
	NumReadonlyUnsignedAccounts int `json:"numReadonlyUnsignedAccounts"`
	NumRequiredSignatures       int `json:"numRequiredSignatures"`
}

// AccountKeys returns the full account-key table: static keys, then loaded
// writable addresses, then loaded readonly addresses.
func (r *RawTransaction) AccountKeys() []string {
	keys := make([]string, 0, len(r.Transaction.Message.AccountKeys))
	keys = append(keys, r.Transaction.Message.AccountKeys...)
	if la := r.Meta.LoadedAddresses; la != nil {
		keys = append(keys, la.Writable...)
		keys = append(keys, la.Readonly...)
	}
	return keys
}

// Signature returns the first signature, or "" if there is none.
func (r *RawTransaction) Signature() string {
	if len(r.Transaction.Signatures) == 0 {
		return ""
	}
	return r.Transaction.Signatures[0]
}

// FeePayer returns the first account key, or "" if there is none.
func (r *RawTransaction) FeePayer() string {
	if len(r.Transaction.Message.AccountKeys) == 0 {
		return ""
	}
	return r.Transaction.Message.AccountKeys[0]
}

// IsSigner reports whether the account key at index signed the transaction.
func (r *RawTransaction) IsSigner(index int) bool {
	return index >= 0 && index < r.Transaction.Message.Header.NumRequiredSignatures
}

// TransactionError returns the chain-reported error, or nil when the transaction succeeded.
func (r *RawTransaction) TransactionError() json.RawMessage {
	trimmed := bytes.TrimSpace(r.Meta.Err)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

// EnrichedTransaction is the terminal output of the engine. It holds no
// reference to the RawTransaction it was built from.
type EnrichedTransaction struct {
	Description      string           `json:"description"`
	Type             TransactionType  `json:"type"`
	Source           Source           `json:"source"`
	Fee              uint64           `json:"fee"`
	FeePayer         string           `json:"feePayer"`
	Signature        string           `json:"signature"`
	Slot             uint64           `json:"slot"`
	Timestamp        int64            `json:"timestamp"`
	NativeTransfers  []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers   []TokenTransfer  `json:"tokenTransfers"`
	AccountData      []AccountData    `json:"accountData"`
	TransactionError json.RawMessage  `json:"transactionError"`
	Instructions     []Instruction    `json:"instructions"`
	Events           TransactionEvent `json:"events"`

	// Error carries the reason a record could not be fully enriched.
	Error string `json:"error,omitempty"`
}

type NativeTransfer struct {
	FromUserAccount *string `json:"fromUserAccount"`
	ToUserAccount   *string `json:"toUserAccount"`
	Amount          uint64  `json:"amount"`
}

// TokenTransfer is a movement of one mint between two token accounts.
// A nil from side is a mint; a nil to side is a burn. User accounts are also
// nil when the balance record carries no owner.
type TokenTransfer struct {
	FromUserAccount  *string       `json:"fromUserAccount"`
	ToUserAccount    *string       `json:"toUserAccount"`
	FromTokenAccount *string       `json:"fromTokenAccount"`
	ToTokenAccount   *string       `json:"toTokenAccount"`
	TokenAmount      float64       `json:"tokenAmount"`
	Decimals         uint8         `json:"decimals"`
	TokenStandard    TokenStandard `json:"tokenStandard"`
	Mint             string        `json:"mint"`
}

// optionalString is nil for an empty address.
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return pointer.ToString(s)
}

// sameAddress reports whether the optional address p is present and equal to s.
func sameAddress(p *string, s string) bool {
	return p != nil && *p == s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

type RawTokenAmount struct {
	TokenAmount string `json:"tokenAmount"`
	Decimals    uint8  `json:"decimals"`
}

type TokenBalanceChange struct {
	UserAccount    string         `json:"userAccount"`
	TokenAccount   string         `json:"tokenAccount"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
	Mint           string         `json:"mint"`
}

type NativeBalanceChange struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

type AccountData struct {
	Account             string               `json:"account"`
	NativeBalanceChange int64                `json:"nativeBalanceChange"`
	TokenBalanceChanges []TokenBalanceChange `json:"tokenBalanceChanges"`
}

// Instruction is a top-level instruction with its inner instructions nested beneath it.
type Instruction struct {
	Accounts          []string           `json:"accounts"`
	Data              string             `json:"data"`
	ProgramID         string             `json:"programId"`
	InnerInstructions []InnerInstruction `json:"innerInstructions"`
}

type InnerInstruction struct {
	Accounts  []string `json:"accounts"`
	Data      string   `json:"data"`
	ProgramID string   `json:"programId"`
}

// ProgramInfo is the registry identity attached to classified sub-events.
type ProgramInfo struct {
	Source          Source      `json:"source"`
	Account         string      `json:"account"`
	ProgramName     ProgramName `json:"programName"`
	InstructionName string      `json:"instructionName"`
}

// TokenSwap is one hop of a swap, executed by a single AMM invocation.
type TokenSwap struct {
	NativeInput  *NativeTransfer  `json:"nativeInput"`
	NativeOutput *NativeTransfer  `json:"nativeOutput"`
	TokenInputs  []TokenTransfer  `json:"tokenInputs"`
	TokenOutputs []TokenTransfer  `json:"tokenOutputs"`
	TokenFees    []TokenTransfer  `json:"tokenFees"`
	NativeFees   []NativeTransfer `json:"nativeFees"`
	ProgramInfo  ProgramInfo      `json:"programInfo"`
}

// SwapEvent describes a swap from the point of view of the fee payer.
type SwapEvent struct {
	NativeInput  *NativeBalanceChange  `json:"nativeInput"`
	NativeOutput *NativeBalanceChange  `json:"nativeOutput"`
	TokenInputs  []TokenBalanceChange  `json:"tokenInputs"`
	TokenOutputs []TokenBalanceChange  `json:"tokenOutputs"`
	TokenFees    []TokenBalanceChange  `json:"tokenFees"`
	NativeFees   []NativeBalanceChange `json:"nativeFees"`
	InnerSwaps   []TokenSwap           `json:"innerSwaps"`
}

// CompressedNftEvent describes a mutation of a compressed NFT leaf.
// Fields that could not be read from the transaction are nil.
type CompressedNftEvent struct {
	Type                  TransactionType `json:"type"`
	TreeID                string          `json:"treeId"`
	LeafIndex             *uint32         `json:"leafIndex"`
	Seq                   *uint64         `json:"seq"`
	AssetID               *string         `json:"assetId"`
	InstructionIndex      *int            `json:"instructionIndex"`
	InnerInstructionIndex *int            `json:"innerInstructionIndex"`
	NewLeafOwner          *string         `json:"newLeafOwner"`
	OldLeafOwner          *string         `json:"oldLeafOwner"`
	NewLeafDelegate       *string         `json:"newLeafDelegate"`
	OldLeafDelegate       *string         `json:"oldLeafDelegate"`
	TreeDelegate          *string         `json:"treeDelegate"`
}

type NFTToken struct {
	Mint          string        `json:"mint"`
	TokenStandard TokenStandard `json:"tokenStandard"`
}

// NFTEvent describes a marketplace sale of a single NFT.
type NFTEvent struct {
	Seller    string          `json:"seller"`
	Buyer     string          `json:"buyer"`
	Timestamp int64           `json:"timestamp"`
	Amount    uint64          `json:"amount"`
	Fee       uint64          `json:"fee"`
	Signature string          `json:"signature"`
	Source    Source          `json:"source"`
	Type      TransactionType `json:"type"`
	SaleType  *SaleType       `json:"saleType,omitempty"`
	NFTs      []NFTToken      `json:"nfts"`
}

// TransactionEvent holds at most one classified event.
type TransactionEvent struct {
	NFT        *NFTEvent           `json:"nft"`
	Swap       *SwapEvent          `json:"swap"`
	Compressed *CompressedNftEvent `json:"compressed"`
}

// Populated returns the number of non-nil variants.
func (e TransactionEvent) Populated() int {
	n := 0
	if e.NFT != nil {
		n++
	}
	if e.Swap != nil {
		n++
	}
	if e.Compressed != nil {
		n++
	}
	return n
}
