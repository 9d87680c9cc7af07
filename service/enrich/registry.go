package enrich

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Well-known addresses referenced directly by the classifier.
const (
	SystemProgramID      = "11111111111111111111111111111111"
	TokenProgramID       = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID   = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	AssociatedTokenID    = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	BubblegumProgramID   = "BGUMAp9Gq7iTEuizy4pqaxsTyUCBK68MDfK752saRPUY"
	AccountCompressionID = "cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK"
	NoopProgramID        = "noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV"
	WrappedSOLMint       = "So11111111111111111111111111111111111111112"
	USDCMint             = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint             = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// ProgramEntry describes one known on-chain program. Instructions maps a
// hex-encoded data prefix to an instruction name.
type ProgramEntry struct {
	Address      string            `json:"address"`
	Source       Source            `json:"source"`
	ProgramName  ProgramName       `json:"programName"`
	Kind         ProgramKind       `json:"kind"`
	Instructions map[string]string `json:"instructions,omitempty"`
}

type discriminator struct {
	prefix []byte
	name   string
}

type registryEntry struct {
	ProgramEntry
	discriminators []discriminator // longest first
}

// Registry is the immutable address-to-identity table used by the matcher.
// It is safe for concurrent use.
type Registry struct {
	programs    map[string]*registryEntry
	order       []string
	stableMints map[string]struct{}
}

// NewRegistry validates entries and builds a registry. Duplicate addresses,
// invalid base58 addresses and non-hex discriminators are rejected.
func NewRegistry(entries []ProgramEntry, stableMints []string) (*Registry, error) {
	r := &Registry{
		programs:    make(map[string]*registryEntry, len(entries)),
		stableMints: make(map[string]struct{}, len(stableMints)),
	}

	for _, e := range entries {
		if _, err := solana.PublicKeyFromBase58(e.Address); err != nil {
			return nil, fmt.Errorf("invalid program address %q: %w", e.Address, err)
		}
		if _, dup := r.programs[e.Address]; dup {
			return nil, fmt.Errorf("duplicate program address %q", e.Address)
		}
		if e.Source == "" {
			e.Source = SourceUnknown
		}
		if e.ProgramName == "" {
			e.ProgramName = ProgramNameUnknown
		}
		if e.Kind == "" {
			e.Kind = ProgramKindUnknown
		}

		entry := &registryEntry{ProgramEntry: e}
		entry.Instructions = maps.Clone(e.Instructions)
		for disc, name := range e.Instructions {
			prefix, err := hex.DecodeString(strings.TrimPrefix(disc, "0x"))
			if err != nil || len(prefix) == 0 {
				return nil, fmt.Errorf("program %s: invalid discriminator %q", e.Address, disc)
			}
			entry.discriminators = append(entry.discriminators, discriminator{prefix: prefix, name: name})
		}
		slices.SortFunc(entry.discriminators, func(a, b discriminator) int {
			if len(a.prefix) != len(b.prefix) {
				return len(b.prefix) - len(a.prefix)
			}
			return strings.Compare(hex.EncodeToString(a.prefix), hex.EncodeToString(b.prefix))
		})

		r.programs[e.Address] = entry
		r.order = append(r.order, e.Address)
	}

	for _, m := range stableMints {
		if _, err := solana.PublicKeyFromBase58(m); err != nil {
			return nil, fmt.Errorf("invalid stable mint %q: %w", m, err)
		}
		r.stableMints[m] = struct{}{}
	}
	return r, nil
}

// Lookup returns the entry registered for address.
func (r *Registry) Lookup(address string) (ProgramEntry, bool) {
	e, ok := r.programs[address]
	if !ok {
		return ProgramEntry{}, false
	}
	out := e.ProgramEntry
	out.Instructions = maps.Clone(e.Instructions)
	return out, true
}

// instructionName resolves the name of an instruction from its decoded data.
func (r *Registry) instructionName(address string, data []byte) string {
	e, ok := r.programs[address]
	if !ok {
		return ""
	}
	for _, d := range e.discriminators {
		if len(data) >= len(d.prefix) && string(data[:len(d.prefix)]) == string(d.prefix) {
			return d.name
		}
	}
	return ""
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []ProgramEntry {
	out := make([]ProgramEntry, 0, len(r.order))
	for _, addr := range r.order {
		e, _ := r.Lookup(addr)
		out = append(out, e)
	}
	return out
}

// IsStableMint reports whether mint is accepted as payment in NFT sales.
func (r *Registry) IsStableMint(mint string) bool {
	_, ok := r.stableMints[mint]
	return ok
}

// StableMints returns the stable payment mints in sorted order.
func (r *Registry) StableMints() []string {
	return slices.Sorted(maps.Keys(r.stableMints))
}

type registryFile struct {
	Programs    []ProgramEntry `json:"programs"`
	StableMints []string       `json:"stableMints"`
}

// ParseRegistry reads a registry document of the form
// {"programs": [...], "stableMints": [...]}.
func ParseRegistry(rd io.Reader) (*Registry, error) {
	var f registryFile
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	return NewRegistry(f.Programs, f.StableMints)
}

// LoadRegistryFile reads a registry document from path.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry file: %w", err)
	}
	defer f.Close()
	return ParseRegistry(f)
}

// MarshalJSON writes the registry in the document shape read by ParseRegistry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(registryFile{Programs: r.Entries(), StableMints: r.StableMints()})
}

var splTokenInstructions = map[string]string{
	"03": "transfer",
	"07": "mintTo",
	"08": "burn",
	"09": "closeAccount",
	"0c": "transferChecked",
	"0e": "mintToChecked",
	"0f": "burnChecked",
	"11": "syncNative",
	"12": "initializeAccount3",
}

// DefaultPrograms is the built-in program table.
func DefaultPrograms() []ProgramEntry {
	return []ProgramEntry{
		{
			Address: SystemProgramID, Source: SourceSystemProgram, ProgramName: ProgramNameSystem, Kind: ProgramKindSystem,
			Instructions: map[string]string{
				"00000000": "createAccount",
				"01000000": "assign",
				"02000000": "transfer",
				"03000000": "createAccountWithSeed",
				"04000000": "advanceNonceAccount",
			},
		},
		{
			Address: TokenProgramID, Source: SourceSolanaProgramLibrary, ProgramName: ProgramNameToken, Kind: ProgramKindToken,
			Instructions: maps.Clone(splTokenInstructions),
		},
		{
			Address: Token2022ProgramID, Source: SourceSolanaProgramLibrary, ProgramName: ProgramNameToken2022, Kind: ProgramKindToken,
			Instructions: maps.Clone(splTokenInstructions),
		},
		{
			Address: AssociatedTokenID, Source: SourceSolanaProgramLibrary, ProgramName: ProgramNameAssociatedToken, Kind: ProgramKindUtility,
			Instructions: map[string]string{"00": "create", "01": "createIdempotent"},
		},
		{
			Address: "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr", Source: SourceSolanaProgramLibrary,
			ProgramName: ProgramNameMemo, Kind: ProgramKindUtility,
		},
		{
			Address: "ComputeBudget111111111111111111111111111111", Source: SourceSolanaProgramLibrary,
			ProgramName: ProgramNameComputeBudget, Kind: ProgramKindUtility,
			Instructions: map[string]string{"02": "setComputeUnitLimit", "03": "setComputeUnitPrice"},
		},
		{
			Address: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", Source: SourceJupiter,
			ProgramName: ProgramNameJupiterV6, Kind: ProgramKindAggregator,
			Instructions: map[string]string{
				"e517cb977ae3ad2a": "route",
				"c1209b3341d69c81": "sharedAccountsRoute",
				"d033ef977b2bed5c": "exactOutRoute",
				"96564774a75d0e68": "routeWithTokenLedger",
			},
		},
		{
			Address: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", Source: SourceRaydium,
			ProgramName: ProgramNameRaydiumAMMV4, Kind: ProgramKindAMM,
			Instructions: map[string]string{"09": "swapBaseIn", "0b": "swapBaseOut"},
		},
		{
			Address: "CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK", Source: SourceRaydium,
			ProgramName: ProgramNameRaydiumCLMM, Kind: ProgramKindAMM,
			Instructions: map[string]string{"f8c69e91e17587c8": "swap", "2b04ed0b1ac91e62": "swapV2"},
		},
		{
			Address: "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc", Source: SourceOrca,
			ProgramName: ProgramNameOrcaWhirlpools, Kind: ProgramKindAMM,
			Instructions: map[string]string{"f8c69e91e17587c8": "swap", "2b04ed0b1ac91e62": "swapV2"},
		},
		{
			Address: "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo", Source: SourceMeteora,
			ProgramName: ProgramNameMeteoraDLMM, Kind: ProgramKindAMM,
			Instructions: map[string]string{"f8c69e91e17587c8": "swap"},
		},
		{
			Address: "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P", Source: SourcePumpFun,
			ProgramName: ProgramNamePumpFun, Kind: ProgramKindAMM,
			Instructions: map[string]string{"66063d1201daebea": "buy", "33e685a4017f83ad": "sell"},
		},
		{
			Address: "M2mx93ekt1fmXSVkTrUL9xVFHkmME8HTUi5Cyc5aF7K", Source: SourceMagicEden,
			ProgramName: ProgramNameMagicEdenV2, Kind: ProgramKindMarketplace,
			Instructions: map[string]string{
				"254ad99d4f312306": "executeSale",
				"5bdc31dfcc8135c1": "executeSaleV2",
				"eca3ccad4790eb76": "mip1ExecuteSaleV2",
				"be5796d7b0de76a7": "executeSalePnft",
				"9df3709289b5c1d0": "mBuyNow",
				"342a45ded1a78d55": "mSellNow",
				"b817ee6167c5d33d": "buyV2",
			},
		},
		{
			Address: "TSWAPaqyCSx2KABk68Shruf4rp7CxcNi8hAsbdwmHbN", Source: SourceTensor,
			ProgramName: ProgramNameTensorSwap, Kind: ProgramKindMarketplace,
			Instructions: map[string]string{
				"60001cbe316b53de": "buyNft",
				"392cc03053086b30": "sellNftTokenPool",
				"83527d4d0d9d245a": "sellNftTradePool",
				"f5dc694975624e8d": "buySingleListing",
				"f2c2cbe1ea350a60": "takeBidFullMeta",
			},
		},
		{
			Address: "hausS13jsjafwWwGqZTUQRmWyvyxn9EQpqMwV1PBBmk", Source: SourceMetaplex,
			ProgramName: ProgramNameAuctionHouse, Kind: ProgramKindMarketplace,
			Instructions: map[string]string{
				"254ad99d4f312306": "executeSale",
				"447d2041fb2b2335": "auctioneerExecuteSale",
				"66063d1201daebea": "buy",
				"33e685a4017f83ad": "sell",
			},
		},
		{
			Address: BubblegumProgramID, Source: SourceBubblegum, ProgramName: ProgramNameBubblegum, Kind: ProgramKindCompression,
			Instructions: map[string]string{
				"9162c076b8937668": "mintV1",
				"9912b22fc59e560f": "mintToCollectionV1",
				"a334c8e78c0345ba": "transfer",
				"746e1d386bdb2a5d": "burn",
				"5a934bb255580489": "delegate",
				"b80c569546c461e1": "redeem",
				"36554c46e4faa451": "decompressV1",
				"a553888e59ca2fdc": "createTree",
			},
		},
		{
			Address: AccountCompressionID, Source: SourceSolanaProgramLibrary,
			ProgramName: ProgramNameAccountCompression, Kind: ProgramKindUtility,
		},
		{
			Address: NoopProgramID, Source: SourceSolanaProgramLibrary,
			ProgramName: ProgramNameNoop, Kind: ProgramKindUtility,
		},
	}
}

// DefaultRegistry returns the built-in registry. It panics if the built-in
// table is invalid.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPrograms(), []string{USDCMint, USDTMint})
	if err != nil {
		panic(fmt.Sprintf("invalid built-in registry: %v", err))
	}
	return r
}
