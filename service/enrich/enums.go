package enrich

import (
	"encoding/json"
)

// Source identifies the protocol or marketplace a transaction came from.
type Source string

const (
	SourceUnknown              Source = "UNKNOWN"
	SourceSystemProgram        Source = "SYSTEM_PROGRAM"
	SourceSolanaProgramLibrary Source = "SOLANA_PROGRAM_LIBRARY"
	SourceJupiter              Source = "JUPITER"
	SourceRaydium              Source = "RAYDIUM"
	SourceOrca                 Source = "ORCA"
	SourceMeteora              Source = "METEORA"
	SourcePumpFun              Source = "PUMP_FUN"
	SourceMagicEden            Source = "MAGIC_EDEN"
	SourceTensor               Source = "TENSOR"
	SourceMetaplex             Source = "METAPLEX"
	SourceBubblegum            Source = "BUBBLEGUM"
)

var knownSources = setOf(
	SourceUnknown, SourceSystemProgram, SourceSolanaProgramLibrary, SourceJupiter,
	SourceRaydium, SourceOrca, SourceMeteora, SourcePumpFun, SourceMagicEden,
	SourceTensor, SourceMetaplex, SourceBubblegum,
)

// ParseSource maps text to a Source. Unrecognised values become SourceUnknown.
func ParseSource(s string) Source { return parseEnum(s, knownSources, SourceUnknown) }

func (s *Source) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, s, ParseSource)
}

// TransactionType is the classification assigned to an enriched transaction.
type TransactionType string

const (
	TransactionTypeUnknown               TransactionType = "UNKNOWN"
	TransactionTypeTransfer              TransactionType = "TRANSFER"
	TransactionTypeSwap                  TransactionType = "SWAP"
	TransactionTypeNFTSale               TransactionType = "NFT_SALE"
	TransactionTypeCompressedNFTMint     TransactionType = "COMPRESSED_NFT_MINT"
	TransactionTypeCompressedNFTTransfer TransactionType = "COMPRESSED_NFT_TRANSFER"
	TransactionTypeCompressedNFTBurn     TransactionType = "COMPRESSED_NFT_BURN"
	TransactionTypeCompressedNFTDelegate TransactionType = "COMPRESSED_NFT_DELEGATE"
)

var knownTransactionTypes = setOf(
	TransactionTypeUnknown, TransactionTypeTransfer, TransactionTypeSwap, TransactionTypeNFTSale,
	TransactionTypeCompressedNFTMint, TransactionTypeCompressedNFTTransfer,
	TransactionTypeCompressedNFTBurn, TransactionTypeCompressedNFTDelegate,
)

// ParseTransactionType maps text to a TransactionType. Unrecognised values become TransactionTypeUnknown.
func ParseTransactionType(s string) TransactionType {
	return parseEnum(s, knownTransactionTypes, TransactionTypeUnknown)
}

func (t *TransactionType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, t, ParseTransactionType)
}

// ProgramName is the registry name of an on-chain program.
type ProgramName string

const (
	ProgramNameUnknown            ProgramName = "UNKNOWN"
	ProgramNameSystem             ProgramName = "SYSTEM_PROGRAM"
	ProgramNameToken              ProgramName = "TOKEN_PROGRAM"
	ProgramNameToken2022          ProgramName = "TOKEN_2022"
	ProgramNameAssociatedToken    ProgramName = "ASSOCIATED_TOKEN_PROGRAM"
	ProgramNameMemo               ProgramName = "MEMO_PROGRAM"
	ProgramNameComputeBudget      ProgramName = "COMPUTE_BUDGET"
	ProgramNameJupiterV6          ProgramName = "JUPITER_V6"
	ProgramNameRaydiumAMMV4       ProgramName = "RAYDIUM_AMM_V4"
	ProgramNameRaydiumCLMM        ProgramName = "RAYDIUM_CLMM"
	ProgramNameOrcaWhirlpools     ProgramName = "ORCA_WHIRLPOOLS"
	ProgramNameMeteoraDLMM        ProgramName = "METEORA_DLMM"
	ProgramNamePumpFun            ProgramName = "PUMP_FUN"
	ProgramNameMagicEdenV2        ProgramName = "MAGIC_EDEN_V2"
	ProgramNameTensorSwap         ProgramName = "TENSOR_SWAP"
	ProgramNameAuctionHouse       ProgramName = "AUCTION_HOUSE"
	ProgramNameBubblegum          ProgramName = "BUBBLEGUM"
	ProgramNameAccountCompression ProgramName = "ACCOUNT_COMPRESSION"
	ProgramNameNoop               ProgramName = "SPL_NOOP"
)

var knownProgramNames = setOf(
	ProgramNameUnknown, ProgramNameSystem, ProgramNameToken, ProgramNameToken2022,
	ProgramNameAssociatedToken, ProgramNameMemo, ProgramNameComputeBudget,
	ProgramNameJupiterV6, ProgramNameRaydiumAMMV4, ProgramNameRaydiumCLMM,
	ProgramNameOrcaWhirlpools, ProgramNameMeteoraDLMM, ProgramNamePumpFun,
	ProgramNameMagicEdenV2, ProgramNameTensorSwap, ProgramNameAuctionHouse,
	ProgramNameBubblegum, ProgramNameAccountCompression, ProgramNameNoop,
)

// ParseProgramName maps text to a ProgramName. Unrecognised values become ProgramNameUnknown.
func ParseProgramName(s string) ProgramName {
	return parseEnum(s, knownProgramNames, ProgramNameUnknown)
}

func (p *ProgramName) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, p, ParseProgramName)
}

// TokenStandard describes how a token behaves on chain.
type TokenStandard string

const (
	TokenStandardUnknown     TokenStandard = "UnknownStandard"
	TokenStandardFungible    TokenStandard = "Fungible"
	TokenStandardNonFungible TokenStandard = "NonFungible"
)

var knownTokenStandards = setOf(TokenStandardUnknown, TokenStandardFungible, TokenStandardNonFungible)

// ParseTokenStandard maps text to a TokenStandard. Unrecognised values become TokenStandardUnknown.
func ParseTokenStandard(s string) TokenStandard {
	return parseEnum(s, knownTokenStandards, TokenStandardUnknown)
}

func (t *TokenStandard) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, t, ParseTokenStandard)
}

// SaleType is the context in which an NFT sale happened.
type SaleType string

const (
	SaleTypeUnknown     SaleType = "UNKNOWN"
	SaleTypeAuction     SaleType = "AUCTION"
	SaleTypeInstantSale SaleType = "INSTANT_SALE"
	SaleTypeOffer       SaleType = "OFFER"
	SaleTypeGlobalOffer SaleType = "GLOBAL_OFFER"
)

var knownSaleTypes = setOf(SaleTypeUnknown, SaleTypeAuction, SaleTypeInstantSale, SaleTypeOffer, SaleTypeGlobalOffer)

// ParseSaleType maps text to a SaleType. Unrecognised values become SaleTypeUnknown.
func ParseSaleType(s string) SaleType { return parseEnum(s, knownSaleTypes, SaleTypeUnknown) }

func (s *SaleType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, s, ParseSaleType)
}

// ProgramKind groups registry entries by the role they play in classification.
type ProgramKind string

const (
	ProgramKindUnknown     ProgramKind = "unknown"
	ProgramKindSystem      ProgramKind = "system"
	ProgramKindToken       ProgramKind = "token"
	ProgramKindAMM         ProgramKind = "amm"
	ProgramKindAggregator  ProgramKind = "aggregator"
	ProgramKindMarketplace ProgramKind = "marketplace"
	ProgramKindCompression ProgramKind = "compression"
	ProgramKindUtility     ProgramKind = "utility"
)

var knownProgramKinds = setOf(
	ProgramKindUnknown, ProgramKindSystem, ProgramKindToken, ProgramKindAMM,
	ProgramKindAggregator, ProgramKindMarketplace, ProgramKindCompression, ProgramKindUtility,
)

// ParseProgramKind maps text to a ProgramKind. Unrecognised values become ProgramKindUnknown.
func ParseProgramKind(s string) ProgramKind {
	return parseEnum(s, knownProgramKinds, ProgramKindUnknown)
}

func (k *ProgramKind) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, k, ParseProgramKind)
}

// IsDEX reports whether the kind takes part in swaps.
func (k ProgramKind) IsDEX() bool {
	return k == ProgramKindAMM || k == ProgramKindAggregator
}

func setOf[T ~string](values ...T) map[T]struct{} {
	m := make(map[T]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func parseEnum[T ~string](s string, known map[T]struct{}, unknown T) T {
	if _, ok := known[T(s)]; ok {
		return T(s)
	}
	return unknown
}

func unmarshalEnum[T ~string](b []byte, dst *T, parse func(string) T) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*dst = parse(s)
	return nil
}
