package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnricher() *Enricher {
	return NewEnricher(DefaultRegistry(), 4, nil, nil)
}

func simpleTransferTx() RawTransaction {
	raw := newRaw("transferSig", alice, bob, unknownPID)
	raw.Meta.PreBalances = []uint64{10_000_000, 0, 1}
	raw.Meta.PostBalances = []uint64{8_995_000, 1_000_000, 1}
	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 2, Accounts: []int{0, 1}, Data: b58([]byte{9, 9})},
	}
	return raw
}

// swapTx moves 100 USDC from alice to the pool and 0.5 wSOL back, through
// the AMM at program.
func swapTx(program string) RawTransaction {
	raw := newRaw("swapSig", alice, aliceUSDC, aliceWSOL, poolUSDC, poolWSOL, pool, TokenProgramID, program)
	raw.Meta.PreTokenBalances = []RawTokenBalance{
		tokenBalance(1, USDCMint, alice, "150000000", 6),
		tokenBalance(2, WrappedSOLMint, alice, "0", 9),
		tokenBalance(3, USDCMint, pool, "1000000000", 6),
		tokenBalance(4, WrappedSOLMint, pool, "10000000000", 9),
	}
	raw.Meta.PostTokenBalances = []RawTokenBalance{
		tokenBalance(1, USDCMint, alice, "50000000", 6),
		tokenBalance(2, WrappedSOLMint, alice, "500000000", 9),
		tokenBalance(3, USDCMint, pool, "1100000000", 6),
		tokenBalance(4, WrappedSOLMint, pool, "9500000000", 9),
	}
	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 7, Accounts: []int{5, 3, 4, 1, 2, 0, 6}, Data: b58([]byte{9}, u64le(100_000_000), u64le(1))},
	}
	raw.Meta.InnerInstructions = []RawInnerInstructions{
		{
			Index: 0,
			Instructions: []RawInstruction{
				{ProgramIDIndex: 6, Accounts: []int{1, 3, 0}, Data: splTransferData(100_000_000), StackHeight: stackHeight(2)},
				{ProgramIDIndex: 6, Accounts: []int{4, 2, 5}, Data: splTransferData(500_000_000), StackHeight: stackHeight(2)},
			},
		},
	}
	return raw
}

func TestEnrich_SimpleTransfer(t *testing.T) {
	// Setup
	e := newTestEnricher()
	raw := simpleTransferTx()

	// Act
	tx, err := e.Enrich(&raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []NativeTransfer{{FromUserAccount: pointer.ToString(alice), ToUserAccount: pointer.ToString(bob), Amount: 1_000_000}}, tx.NativeTransfers)
	assert.Empty(t, tx.TokenTransfers)
	assert.Equal(t, TransactionEvent{}, tx.Events)
	assert.Equal(t, TransactionTypeTransfer, tx.Type)
	assert.Equal(t, SourceUnknown, tx.Source)
	assert.Equal(t, alice, tx.FeePayer)
	assert.Equal(t, "transferSig", tx.Signature)
	assert.Equal(t, uint64(testFee), tx.Fee)
	assert.Equal(t, int64(1_700_000_000), tx.Timestamp)
	assert.Equal(t, alice+" transferred 0.001 SOL to "+bob+".", tx.Description)
	assert.Empty(t, tx.Error)
	assert.Nil(t, tx.TransactionError)

	data, err := json.Marshal(tx.Events)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nft":null,"swap":null,"compressed":null}`, string(data))
}

func TestEnrich_TwoLegSwap(t *testing.T) {
	// Setup
	e := newTestEnricher()
	raw := swapTx(raydiumAMM)

	// Act
	tx, err := e.Enrich(&raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TransactionTypeSwap, tx.Type)
	assert.Equal(t, SourceRaydium, tx.Source)
	require.NotNil(t, tx.Events.Swap)
	assert.Nil(t, tx.Events.NFT)
	assert.Nil(t, tx.Events.Compressed)

	swap := tx.Events.Swap
	assert.Equal(t, []TokenBalanceChange{{
		UserAccount:    alice,
		TokenAccount:   aliceUSDC,
		RawTokenAmount: RawTokenAmount{TokenAmount: "100000000", Decimals: 6},
		Mint:           USDCMint,
	}}, swap.TokenInputs)
	assert.Equal(t, []TokenBalanceChange{{
		UserAccount:    alice,
		TokenAccount:   aliceWSOL,
		RawTokenAmount: RawTokenAmount{TokenAmount: "500000000", Decimals: 9},
		Mint:           WrappedSOLMint,
	}}, swap.TokenOutputs)
	assert.Empty(t, swap.TokenFees)
	assert.Empty(t, swap.NativeFees)
	assert.Nil(t, swap.NativeInput)
	assert.Nil(t, swap.NativeOutput)

	require.Len(t, swap.InnerSwaps, 1)
	inner := swap.InnerSwaps[0]
	assert.Equal(t, ProgramInfo{
		Source:          SourceRaydium,
		Account:         raydiumAMM,
		ProgramName:     ProgramNameRaydiumAMMV4,
		InstructionName: "swapBaseIn",
	}, inner.ProgramInfo)
	require.Len(t, inner.TokenInputs, 1)
	assert.Equal(t, TokenTransfer{
		FromUserAccount:  pointer.ToString(alice),
		ToUserAccount:    pointer.ToString(pool),
		FromTokenAccount: pointer.ToString(aliceUSDC),
		ToTokenAccount:   pointer.ToString(poolUSDC),
		TokenAmount:      100,
		Decimals:         6,
		TokenStandard:    TokenStandardFungible,
		Mint:             USDCMint,
	}, inner.TokenInputs[0])
	require.Len(t, inner.TokenOutputs, 1)
	assert.Equal(t, WrappedSOLMint, inner.TokenOutputs[0].Mint)
	assert.Equal(t, 0.5, inner.TokenOutputs[0].TokenAmount)
	assert.Equal(t, pointer.ToString(alice), inner.TokenOutputs[0].ToUserAccount)

	assert.Equal(t, alice+" swapped 100 "+USDCMint+" for 0.5 "+WrappedSOLMint+".", tx.Description)
}

func TestEnrich_SwapWithTokenFee(t *testing.T) {
	// Setup: alice also pays 1 USDC to an account no DEX instruction touches
	raw := swapTx(raydiumAMM)
	raw.Transaction.Message.AccountKeys = append(raw.Transaction.Message.AccountKeys, royaltyAcc)
	raw.Meta.PreBalances = append(raw.Meta.PreBalances, 2_039_280)
	raw.Meta.PostBalances = append(raw.Meta.PostBalances, 2_039_280)
	raw.Meta.PreTokenBalances[0].UITokenAmount.Amount = "151000000"
	raw.Meta.PreTokenBalances = append(raw.Meta.PreTokenBalances, tokenBalance(8, USDCMint, carol, "0", 6))
	raw.Meta.PostTokenBalances = append(raw.Meta.PostTokenBalances, tokenBalance(8, USDCMint, carol, "1000000", 6))

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, tx.Events.Swap)
	assert.Equal(t, []TokenBalanceChange{{
		UserAccount:    carol,
		TokenAccount:   royaltyAcc,
		RawTokenAmount: RawTokenAmount{TokenAmount: "1000000", Decimals: 6},
		Mint:           USDCMint,
	}}, tx.Events.Swap.TokenFees)
	require.Len(t, tx.Events.Swap.TokenInputs, 1)
	assert.Equal(t, "100000000", tx.Events.Swap.TokenInputs[0].RawTokenAmount.TokenAmount)
}

func TestEnrich_UnmatchedProgramFallsBack(t *testing.T) {
	// Setup: the same flows as a swap, invoked by a program absent from the registry
	raw := swapTx(unknownPID)

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TransactionEvent{}, tx.Events)
	assert.Equal(t, 0, tx.Events.Populated())
	assert.Equal(t, TransactionTypeTransfer, tx.Type)
	assert.Len(t, tx.TokenTransfers, 2)
	assert.Empty(t, tx.Error)
}

func TestEnrich_MultiHopSwap(t *testing.T) {
	tests := []struct {
		name           string
		secondHop      string
		secondHopData  []byte
		expectedSecond ProgramInfo
	}{
		{
			name:          "raydium then orca",
			secondHop:     orca,
			secondHopData: mustHex("f8c69e91e17587c8"),
			expectedSecond: ProgramInfo{
				Source:          SourceOrca,
				Account:         orca,
				ProgramName:     ProgramNameOrcaWhirlpools,
				InstructionName: "swap",
			},
		},
		{
			name:          "two pools of the same raydium program",
			secondHop:     raydiumAMM,
			secondHopData: []byte{9},
			expectedSecond: ProgramInfo{
				Source:          SourceRaydium,
				Account:         raydiumAMM,
				ProgramName:     ProgramNameRaydiumAMMV4,
				InstructionName: "swapBaseIn",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup: jupiter routes USDC through the first pool and wSOL out of the second
			raw := newRaw("multiHop", alice, aliceUSDC, aliceWSOL, poolUSDC, poolWSOL, pool, TokenProgramID, jupiter, raydiumAMM, tt.secondHop)
			raw.Meta.PreTokenBalances = []RawTokenBalance{
				tokenBalance(1, USDCMint, alice, "100", 6),
				tokenBalance(2, WrappedSOLMint, alice, "0", 9),
				tokenBalance(3, USDCMint, pool, "0", 6),
				tokenBalance(4, WrappedSOLMint, pool, "50", 9),
			}
			raw.Meta.PostTokenBalances = []RawTokenBalance{
				tokenBalance(1, USDCMint, alice, "0", 6),
				tokenBalance(2, WrappedSOLMint, alice, "50", 9),
				tokenBalance(3, USDCMint, pool, "100", 6),
				tokenBalance(4, WrappedSOLMint, pool, "0", 9),
			}
			raw.Transaction.Message.Instructions = []RawInstruction{
				{ProgramIDIndex: 7, Accounts: []int{0, 1, 2}, Data: b58(mustHex("e517cb977ae3ad2a"))},
			}
			raw.Meta.InnerInstructions = []RawInnerInstructions{{
				Index: 0,
				Instructions: []RawInstruction{
					{ProgramIDIndex: 8, Accounts: []int{5, 3}, Data: b58([]byte{9}), StackHeight: stackHeight(2)},
					{ProgramIDIndex: 6, Accounts: []int{1, 3, 0}, Data: splTransferData(100), StackHeight: stackHeight(3)},
					{ProgramIDIndex: 9, Accounts: []int{5, 4}, Data: b58(tt.secondHopData), StackHeight: stackHeight(2)},
					{ProgramIDIndex: 6, Accounts: []int{4, 2, 5}, Data: splTransferData(50), StackHeight: stackHeight(3)},
				},
			}}

			// Act
			tx, err := newTestEnricher().Enrich(&raw)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, SourceJupiter, tx.Source)
			require.NotNil(t, tx.Events.Swap)
			require.Len(t, tx.Events.Swap.InnerSwaps, 2)

			first, second := tx.Events.Swap.InnerSwaps[0], tx.Events.Swap.InnerSwaps[1]
			assert.Equal(t, raydiumAMM, first.ProgramInfo.Account)
			require.Len(t, first.TokenInputs, 1)
			assert.Equal(t, pointer.ToString(aliceUSDC), first.TokenInputs[0].FromTokenAccount)
			assert.Empty(t, first.TokenOutputs)

			assert.Equal(t, tt.expectedSecond, second.ProgramInfo)
			assert.Empty(t, second.TokenInputs)
			require.Len(t, second.TokenOutputs, 1)
			assert.Equal(t, pointer.ToString(aliceWSOL), second.TokenOutputs[0].ToTokenAccount)
		})
	}
}

func TestEnrich_NativeSwapLegs(t *testing.T) {
	// Setup: alice pays 1 SOL for 100 USDC through pump.fun, with a system
	// transfer executed by the program
	const pumpFun = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	raw := newRaw("nativeSwap", alice, aliceUSDC, poolUSDC, pool, TokenProgramID, SystemProgramID, pumpFun)
	raw.Meta.PostBalances[0] = 10_000_000_000 - testFee - 1_000_000_000
	raw.Meta.PostBalances[3] = 10_000_000_000 + 1_000_000_000
	raw.Meta.PreTokenBalances = []RawTokenBalance{
		tokenBalance(1, USDCMint, alice, "0", 6),
		tokenBalance(2, USDCMint, pool, "100000000", 6),
	}
	raw.Meta.PostTokenBalances = []RawTokenBalance{
		tokenBalance(1, USDCMint, alice, "100000000", 6),
		tokenBalance(2, USDCMint, pool, "0", 6),
	}
	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 6, Accounts: []int{3, 2, 1, 0}, Data: b58(mustHex("66063d1201daebea"))},
	}
	raw.Meta.InnerInstructions = []RawInnerInstructions{{
		Index: 0,
		Instructions: []RawInstruction{
			{ProgramIDIndex: 4, Accounts: []int{2, 1, 3}, Data: splTransferData(100_000_000), StackHeight: stackHeight(2)},
			{ProgramIDIndex: 5, Accounts: []int{0, 3}, Data: systemTransferData(1_000_000_000), StackHeight: stackHeight(2)},
		},
	}}

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, tx.Events.Swap)
	swap := tx.Events.Swap
	assert.Equal(t, &NativeBalanceChange{Account: alice, Amount: 1_000_000_000}, swap.NativeInput)
	assert.Nil(t, swap.NativeOutput)
	require.Len(t, swap.TokenOutputs, 1)
	assert.Equal(t, "100000000", swap.TokenOutputs[0].RawTokenAmount.TokenAmount)

	require.Len(t, swap.InnerSwaps, 1)
	assert.Equal(t, &NativeTransfer{
		FromUserAccount: pointer.ToString(alice),
		ToUserAccount:   pointer.ToString(pool),
		Amount:          1_000_000_000,
	}, swap.InnerSwaps[0].NativeInput)
	assert.Len(t, swap.InnerSwaps[0].TokenOutputs, 1)
	assert.Equal(t, alice+" swapped 1 SOL for 100 "+USDCMint+".", tx.Description)
}

func bubblegumTransferTx(t *testing.T) RawTransaction {
	t.Helper()

	raw := newRaw("cnftSig", alice, bob, treeAuth, merkleTree, BubblegumProgramID, AccountCompressionID, NoopProgramID)

	var root, dataHash, creatorHash [32]byte
	args := b58(mustHex("a334c8e78c0345ba"), root[:], dataHash[:], creatorHash[:], u64le(7), u32le(7))

	treeKey := solana.MustPublicKeyFromBase58(merkleTree)
	var node [32]byte
	changeLog := b58(
		[]byte{0, 0},
		treeKey.Bytes(),
		u32le(1), node[:], u32le(16384),
		u64le(42),
		u32le(7),
	)

	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 4, Accounts: []int{2, 0, 0, 1, 3, 6, 5}, Data: args},
	}
	raw.Meta.InnerInstructions = []RawInnerInstructions{{
		Index: 0,
		Instructions: []RawInstruction{
			{ProgramIDIndex: 5, Accounts: []int{3, 2, 6}, Data: b58([]byte{1, 2, 3}), StackHeight: stackHeight(2)},
			{ProgramIDIndex: 6, Accounts: []int{}, Data: changeLog, StackHeight: stackHeight(3)},
		},
	}}
	return raw
}

func TestEnrich_CompressedTransfer(t *testing.T) {
	// Setup
	raw := bubblegumTransferTx(t)
	expectedAsset, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("asset"), solana.MustPublicKeyFromBase58(merkleTree).Bytes(), u64le(7)},
		solana.MustPublicKeyFromBase58(BubblegumProgramID),
	)
	require.NoError(t, err)

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TransactionTypeCompressedNFTTransfer, tx.Type)
	assert.Equal(t, SourceBubblegum, tx.Source)
	require.NotNil(t, tx.Events.Compressed)
	assert.Nil(t, tx.Events.Swap)
	assert.Nil(t, tx.Events.NFT)

	ev := tx.Events.Compressed
	assert.Equal(t, TransactionTypeCompressedNFTTransfer, ev.Type)
	assert.Equal(t, merkleTree, ev.TreeID)
	require.NotNil(t, ev.LeafIndex)
	assert.Equal(t, uint32(7), *ev.LeafIndex)
	require.NotNil(t, ev.Seq)
	assert.Equal(t, uint64(42), *ev.Seq)
	require.NotNil(t, ev.AssetID)
	assert.Equal(t, expectedAsset.String(), *ev.AssetID)
	assert.Equal(t, alice, *ev.OldLeafOwner)
	assert.Equal(t, bob, *ev.NewLeafOwner)
	assert.Equal(t, alice, *ev.OldLeafDelegate)
	assert.Equal(t, bob, *ev.NewLeafDelegate)
	assert.Equal(t, 0, *ev.InstructionIndex)
	assert.Nil(t, ev.InnerInstructionIndex)
	assert.Nil(t, ev.TreeDelegate)
	assert.Equal(t, alice+" transferred a compressed NFT on tree "+merkleTree+".", tx.Description)
}

func TestEnrich_CompressedFieldsAbsentWhenUndecodable(t *testing.T) {
	// Setup: truncated arguments and no change log
	raw := bubblegumTransferTx(t)
	raw.Transaction.Message.Instructions[0].Data = b58(mustHex("a334c8e78c0345ba"), []byte{1, 2})
	raw.Meta.InnerInstructions = nil

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, tx.Events.Compressed)
	assert.Nil(t, tx.Events.Compressed.LeafIndex)
	assert.Nil(t, tx.Events.Compressed.Seq)
	assert.Nil(t, tx.Events.Compressed.AssetID)
	assert.Equal(t, merkleTree, tx.Events.Compressed.TreeID)
}

func TestEnrich_CompressedRuleWinsOverSwap(t *testing.T) {
	// Setup: a bubblegum transfer that also carries swap-shaped flows through a DEX
	raw := swapTx(raydiumAMM)
	cnft := bubblegumTransferTx(t)
	offset := len(raw.Transaction.Message.AccountKeys)
	raw.Transaction.Message.AccountKeys = append(raw.Transaction.Message.AccountKeys, cnft.Transaction.Message.AccountKeys[1:]...)
	for range cnft.Transaction.Message.AccountKeys[1:] {
		raw.Meta.PreBalances = append(raw.Meta.PreBalances, 1)
		raw.Meta.PostBalances = append(raw.Meta.PostBalances, 1)
	}
	ix := cnft.Transaction.Message.Instructions[0]
	ix.ProgramIDIndex += offset - 1
	accounts := make([]int, len(ix.Accounts))
	for i, a := range ix.Accounts {
		if a == 0 {
			accounts[i] = 0
		} else {
			accounts[i] = a + offset - 1
		}
	}
	ix.Accounts = accounts
	raw.Transaction.Message.Instructions = append(raw.Transaction.Message.Instructions, ix)

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TransactionTypeCompressedNFTTransfer, tx.Type)
	assert.NotNil(t, tx.Events.Compressed)
	assert.Nil(t, tx.Events.Swap)
	assert.Equal(t, 1, *tx.Events.Compressed.InstructionIndex)
}

// bubblegumMintTx mints a compressed NFT to bob with alice as tree delegate.
// The noop children carry noopData followed by a change log at seq 43, leaf 8.
func bubblegumMintTx(discriminator string, noopData []byte) RawTransaction {
	raw := newRaw("cnftMintSig", alice, bob, treeAuth, merkleTree, BubblegumProgramID, AccountCompressionID, NoopProgramID)

	treeKey := solana.MustPublicKeyFromBase58(merkleTree)
	var node [32]byte
	changeLog := b58([]byte{0, 0}, treeKey.Bytes(), u32le(1), node[:], u32le(16392), u64le(43), u32le(8))

	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 4, Accounts: []int{2, 1, 1, 3, 0, 0, 6, 5}, Data: b58(mustHex(discriminator), []byte{1, 2, 3})},
	}
	raw.Meta.InnerInstructions = []RawInnerInstructions{{
		Index: 0,
		Instructions: []RawInstruction{
			{ProgramIDIndex: 6, Accounts: []int{}, Data: b58(noopData), StackHeight: stackHeight(2)},
			{ProgramIDIndex: 5, Accounts: []int{3, 2, 6}, Data: b58([]byte{1, 2, 3}), StackHeight: stackHeight(2)},
			{ProgramIDIndex: 6, Accounts: []int{}, Data: changeLog, StackHeight: stackHeight(3)},
		},
	}}
	return raw
}

func TestEnrich_CompressedMint(t *testing.T) {
	var asset, owner solana.PublicKey
	copy(asset[:], bytes.Repeat([]byte{7}, 32))
	copy(owner[:], bytes.Repeat([]byte{9}, 32))
	schema := leafSchemaPayload(asset, owner, 8)

	otherVersion := slices.Clone(schema)
	otherVersion[2] = 1

	tests := []struct {
		name          string
		discriminator string
		noopData      []byte
		expectedAsset *string
	}{
		{
			name:          "mintV1 with wrapped leaf schema",
			discriminator: "9162c076b8937668",
			noopData:      wrapApplicationData(schema),
			expectedAsset: pointer.ToString(asset.String()),
		},
		{
			name:          "mintToCollectionV1 with wrapped leaf schema",
			discriminator: "9912b22fc59e560f",
			noopData:      wrapApplicationData(schema),
			expectedAsset: pointer.ToString(asset.String()),
		},
		{
			name:          "bare leaf schema without application data wrapper",
			discriminator: "9162c076b8937668",
			noopData:      schema,
		},
		{
			name:          "length prefix disagrees with payload",
			discriminator: "9162c076b8937668",
			noopData:      slices.Concat([]byte{1, 0}, u32le(uint32(len(schema)+1)), schema),
		},
		{
			name:          "truncated leaf schema",
			discriminator: "9162c076b8937668",
			noopData:      wrapApplicationData(schema[:len(schema)-32]),
		},
		{
			name:          "trailing bytes after leaf schema",
			discriminator: "9162c076b8937668",
			noopData:      wrapApplicationData(slices.Concat(schema, []byte{0})),
		},
		{
			name:          "unknown leaf schema version",
			discriminator: "9162c076b8937668",
			noopData:      wrapApplicationData(otherVersion),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup
			raw := bubblegumMintTx(tt.discriminator, tt.noopData)

			// Act
			tx, err := newTestEnricher().Enrich(&raw)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, TransactionTypeCompressedNFTMint, tx.Type)
			assert.Equal(t, SourceBubblegum, tx.Source)
			require.NotNil(t, tx.Events.Compressed)

			ev := tx.Events.Compressed
			assert.Equal(t, TransactionTypeCompressedNFTMint, ev.Type)
			assert.Equal(t, merkleTree, ev.TreeID)
			assert.Equal(t, tt.expectedAsset, ev.AssetID)
			assert.Equal(t, pointer.ToUint64(43), ev.Seq)
			assert.Equal(t, pointer.ToUint32(8), ev.LeafIndex)
			assert.Equal(t, pointer.ToString(bob), ev.NewLeafOwner)
			assert.Equal(t, pointer.ToString(bob), ev.NewLeafDelegate)
			assert.Equal(t, pointer.ToString(alice), ev.TreeDelegate)
			assert.Nil(t, ev.OldLeafOwner)
			assert.Nil(t, ev.OldLeafDelegate)
			assert.Equal(t, bob+" minted a compressed NFT on tree "+merkleTree+".", tx.Description)
		})
	}
}

func nftSaleTx() RawTransaction {
	raw := newRaw("saleSig", buyer, seller, royaltyAcc, buyerATA, sellerATA, magicEden)
	raw.Meta.PreBalances = []uint64{10_000_000_000, 1_000_000_000, 0, 0, 2_039_280, 1}
	raw.Meta.PostBalances = []uint64{
		10_000_000_000 - 2_000_000_000 - testFee,
		1_000_000_000 + 1_960_000_000,
		40_000_000,
		0,
		2_039_280,
		1,
	}
	raw.Meta.PreTokenBalances = []RawTokenBalance{
		tokenBalance(4, nftMint, seller, "1", 0),
	}
	raw.Meta.PostTokenBalances = []RawTokenBalance{
		tokenBalance(3, nftMint, buyer, "1", 0),
		tokenBalance(4, nftMint, seller, "0", 0),
	}
	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 5, Accounts: []int{0, 1, 3, 4, 2}, Data: b58(mustHex("5bdc31dfcc8135c1"), u64le(2_000_000_000))},
	}
	return raw
}

func TestEnrich_NFTSale(t *testing.T) {
	// Setup
	raw := nftSaleTx()

	// Act
	tx, err := newTestEnricher().Enrich(&raw)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TransactionTypeNFTSale, tx.Type)
	assert.Equal(t, SourceMagicEden, tx.Source)
	require.NotNil(t, tx.Events.NFT)

	ev := tx.Events.NFT
	assert.Equal(t, seller, ev.Seller)
	assert.Equal(t, buyer, ev.Buyer)
	assert.Equal(t, uint64(2_000_000_000), ev.Amount)
	assert.Equal(t, uint64(testFee), ev.Fee)
	assert.Equal(t, "saleSig", ev.Signature)
	assert.Equal(t, int64(1_700_000_000), ev.Timestamp)
	assert.Equal(t, SourceMagicEden, ev.Source)
	assert.Equal(t, TransactionTypeNFTSale, ev.Type)
	require.NotNil(t, ev.SaleType)
	assert.Equal(t, SaleTypeInstantSale, *ev.SaleType)
	assert.Equal(t, []NFTToken{{Mint: nftMint, TokenStandard: TokenStandardNonFungible}}, ev.NFTs)
	assert.Equal(t, buyer+" bought "+nftMint+" from "+seller+" for 2 SOL on MAGIC_EDEN.", tx.Description)
}

func TestEnrich_NFTTransferWithoutPaymentIsNotASale(t *testing.T) {
	raw := nftSaleTx()
	raw.Meta.PostBalances = []uint64{10_000_000_000 - testFee, 1_000_000_000, 0, 0, 2_039_280, 1}

	tx, err := newTestEnricher().Enrich(&raw)

	require.NoError(t, err)
	assert.Nil(t, tx.Events.NFT)
	assert.Equal(t, TransactionTypeTransfer, tx.Type)
	assert.Equal(t, SourceMagicEden, tx.Source)
}

// tokenSaleTx sells nftMint to buyer for 50 units of paymentMint.
func tokenSaleTx(paymentMint string) RawTransaction {
	raw := newRaw("tokenSaleSig", buyer, seller, buyerATA, sellerATA, aliceUSDC, poolUSDC, magicEden)
	raw.Meta.PreTokenBalances = []RawTokenBalance{
		tokenBalance(3, nftMint, seller, "1", 0),
		tokenBalance(4, paymentMint, buyer, "50000000", 6),
		tokenBalance(5, paymentMint, seller, "0", 6),
	}
	raw.Meta.PostTokenBalances = []RawTokenBalance{
		tokenBalance(2, nftMint, buyer, "1", 0),
		tokenBalance(3, nftMint, seller, "0", 0),
		tokenBalance(4, paymentMint, buyer, "0", 6),
		tokenBalance(5, paymentMint, seller, "50000000", 6),
	}
	raw.Transaction.Message.Instructions = []RawInstruction{
		{ProgramIDIndex: 6, Accounts: []int{0, 1, 2, 3, 4, 5}, Data: b58(mustHex("5bdc31dfcc8135c1"), u64le(50_000_000))},
	}
	return raw
}

// secondNFTLeg adds another NFT moving seller to buyer in the same transaction.
func secondNFTLeg(raw RawTransaction) RawTransaction {
	const otherMint = carol
	n := len(raw.Transaction.Message.AccountKeys)
	raw.Transaction.Message.AccountKeys = append(raw.Transaction.Message.AccountKeys, aliceWSOL, poolWSOL)
	raw.Meta.PreBalances = append(raw.Meta.PreBalances, 2_039_280, 2_039_280)
	raw.Meta.PostBalances = append(raw.Meta.PostBalances, 2_039_280, 2_039_280)
	raw.Meta.PreTokenBalances = append(raw.Meta.PreTokenBalances,
		tokenBalance(n+1, otherMint, seller, "1", 0),
	)
	raw.Meta.PostTokenBalances = append(raw.Meta.PostTokenBalances,
		tokenBalance(n, otherMint, buyer, "1", 0),
		tokenBalance(n+1, otherMint, seller, "0", 0),
	)
	return raw
}

func TestEnrich_NFTSaleRule(t *testing.T) {
	tests := []struct {
		name                string
		raw                 RawTransaction
		expectedType        TransactionType
		expectedAmount      uint64
		expectedDescription string
	}{
		{
			name:                "paid in a stable mint",
			raw:                 tokenSaleTx(USDCMint),
			expectedType:        TransactionTypeNFTSale,
			expectedAmount:      50_000_000,
			expectedDescription: buyer + " bought " + nftMint + " from " + seller + " for 50 " + USDCMint + " on MAGIC_EDEN.",
		},
		{
			name:         "paid in a mint that is not stable",
			raw:          tokenSaleTx(dave),
			expectedType: TransactionTypeTransfer,
		},
		{
			name:         "two NFT legs paid in SOL",
			raw:          secondNFTLeg(nftSaleTx()),
			expectedType: TransactionTypeTransfer,
		},
		{
			name:         "two NFT legs paid in a stable mint",
			raw:          secondNFTLeg(tokenSaleTx(USDCMint)),
			expectedType: TransactionTypeTransfer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			tx, err := newTestEnricher().Enrich(&tt.raw)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.expectedType, tx.Type)
			assert.Equal(t, SourceMagicEden, tx.Source)
			if tt.expectedType != TransactionTypeNFTSale {
				assert.Nil(t, tx.Events.NFT)
				return
			}
			require.NotNil(t, tx.Events.NFT)
			ev := tx.Events.NFT
			assert.Equal(t, seller, ev.Seller)
			assert.Equal(t, buyer, ev.Buyer)
			assert.Equal(t, tt.expectedAmount, ev.Amount)
			assert.Equal(t, []NFTToken{{Mint: nftMint, TokenStandard: TokenStandardNonFungible}}, ev.NFTs)
			assert.Equal(t, tt.expectedDescription, tx.Description)
		})
	}
}

func TestSaleTypeFor(t *testing.T) {
	tests := []struct {
		name     string
		expected *SaleType
	}{
		{"executeSaleV2", saleTypePtr(SaleTypeInstantSale)},
		{"buyNft", saleTypePtr(SaleTypeInstantSale)},
		{"auctioneerExecuteSale", saleTypePtr(SaleTypeAuction)},
		{"takeBidFullMeta", saleTypePtr(SaleTypeOffer)},
		{"mSellNow", saleTypePtr(SaleTypeOffer)},
		{"sellNftTokenPool", saleTypePtr(SaleTypeOffer)},
		{"", nil},
		{"withdraw", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, saleTypeFor(tt.name))
		})
	}
}

func saleTypePtr(s SaleType) *SaleType { return &s }

func TestEnrich_MalformedBalances(t *testing.T) {
	raw := simpleTransferTx()
	raw.Meta.PostBalances = raw.Meta.PostBalances[:2]

	tx, err := newTestEnricher().Enrich(&raw)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedBalanceData))
	require.NotNil(t, tx)
	assert.Equal(t, "transferSig", tx.Signature)
	assert.Equal(t, TransactionEvent{}, tx.Events)
	assert.Equal(t, TransactionTypeUnknown, tx.Type)
	assert.Contains(t, tx.Error, "malformed balance data")
	assert.Len(t, tx.Instructions, 1)
}

func TestEnrich_SkipsBadInstruction(t *testing.T) {
	raw := simpleTransferTx()
	raw.Transaction.Message.Instructions = append(raw.Transaction.Message.Instructions,
		RawInstruction{ProgramIDIndex: 2, Accounts: []int{0, 99}})

	tx, err := newTestEnricher().Enrich(&raw)

	require.NoError(t, err)
	assert.Len(t, tx.Instructions, 1)
	assert.Equal(t, TransactionTypeTransfer, tx.Type)
}

func TestEnrich_AssemblyErrorYieldsEmptyEvent(t *testing.T) {
	// Setup: a classifier that violates the single-variant invariant
	e := newTestEnricher()
	e.classify = func(raw *RawTransaction, matched []MatchedInstruction, balances *BalanceDeltas) Classification {
		return Classification{
			Event: TransactionEvent{Swap: &SwapEvent{}, NFT: &NFTEvent{}},
			Type:  TransactionTypeSwap,
		}
	}
	raw := simpleTransferTx()

	// Act
	tx, err := e.Enrich(&raw)

	// Assert
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssembly))
	assert.Equal(t, TransactionEvent{}, tx.Events)
	assert.Equal(t, TransactionTypeTransfer, tx.Type)
	assert.Contains(t, tx.Error, "assembly error")
	assert.Len(t, tx.NativeTransfers, 1)
}

func TestEnrich_Deterministic(t *testing.T) {
	e := newTestEnricher()
	fixtures := []RawTransaction{simpleTransferTx(), swapTx(raydiumAMM), nftSaleTx(), bubblegumTransferTx(t)}

	for _, raw := range fixtures {
		t.Run(raw.Signature(), func(t *testing.T) {
			first, _ := e.Enrich(&raw)
			second, _ := e.Enrich(&raw)

			a, err := json.Marshal(first)
			require.NoError(t, err)
			b, err := json.Marshal(second)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(a, b))
			assert.LessOrEqual(t, first.Events.Populated(), 1)
		})
	}
}

func TestEnrich_OutputDoesNotAliasInput(t *testing.T) {
	raw := simpleTransferTx()

	tx, err := newTestEnricher().Enrich(&raw)
	require.NoError(t, err)

	raw.Transaction.Message.AccountKeys[1] = carol
	assert.Equal(t, bob, tx.Instructions[0].Accounts[1])
	assert.Equal(t, bob, tx.AccountData[1].Account)
}

func TestEnrichBatch(t *testing.T) {
	t.Run("one record per input in order", func(t *testing.T) {
		// Setup
		malformed := simpleTransferTx()
		malformed.Transaction.Signatures = []string{"badSig"}
		malformed.Meta.PreBalances = nil
		raws := []RawTransaction{simpleTransferTx(), malformed, swapTx(raydiumAMM), nftSaleTx()}

		// Act
		results, err := newTestEnricher().EnrichBatch(context.Background(), raws)

		// Assert
		require.NoError(t, err)
		require.Len(t, results, len(raws))
		for i := range raws {
			assert.Equal(t, raws[i].Signature(), results[i].Signature)
		}
		assert.Empty(t, results[0].Error)
		assert.Contains(t, results[1].Error, "malformed balance data")
		assert.Equal(t, TransactionTypeSwap, results[2].Type)
		assert.Equal(t, TransactionTypeNFTSale, results[3].Type)
	})

	t.Run("panics are recovered into the record", func(t *testing.T) {
		e := newTestEnricher()
		e.classify = func(*RawTransaction, []MatchedInstruction, *BalanceDeltas) Classification {
			panic("boom")
		}

		results, err := e.EnrichBatch(context.Background(), []RawTransaction{simpleTransferTx()})

		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Contains(t, results[0].Error, "panic during enrichment: boom")
		assert.Equal(t, "transferSig", results[0].Signature)
	})

	t.Run("cancelled context still returns every record", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		results, err := newTestEnricher().EnrichBatch(ctx, []RawTransaction{simpleTransferTx(), simpleTransferTx()})

		assert.ErrorIs(t, err, context.Canceled)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Contains(t, r.Error, context.Canceled.Error())
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		results, err := newTestEnricher().EnrichBatch(context.Background(), nil)

		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
