package enrich

import (
	"encoding/binary"
	"encoding/hex"
	"slices"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const (
	alice      = "3x9az88Dkbxa6tkKByxqEn7jBTJCJCD4dVvou49L24ET"
	bob        = "9jLkNAaW9E47LQMHvjohy2uAAyr1331bAxgJKFRU7wF6"
	carol      = "68GLr8rYqhXTRgYuH5MN7BeswuPxjeEZRLMzunr9JQCt"
	dave       = "7bDXTe5fFehXPtVMMh9cL5hxcjNenk8g34eCNRTiuBTs"
	pool       = "3gLESRnfLgzAqu6PwGhBwsiBsnQ7BAtyWHhZ5zNcDPMF"
	poolUSDC   = "5rx2ymVPAT7z1aTL4sLbHVzLpQLrFfhoupiqWhTVjS8k"
	poolWSOL   = "DuxtEUarXAm8ggFPkzF7dNATxA5UbAK7f6Dood6VqREC"
	aliceUSDC  = "7TJ5NwPLBYZFrUJSF5zyNjEAef5nynehMG366FFWKpys"
	aliceWSOL  = "EaTKCM1Fmk2pojzEfKWdFTZYf3kU2KiqLcEiKUMnUYQS"
	merkleTree = "FrAzKzPRe6DfhkfMiPQxdDwuMJbBxPqQexNsqhedni9f"
	treeAuth   = "4obJLb1CbKTBqPu11j8axBgJSvUVuVSd8GG3aUmsTugc"
	seller     = "C3nuLmBXJxkW4j8Ynx75KhSm5p5eDQ7jELM55oJteMfP"
	buyer      = "8PNeMNJQFFAU5phCnn12MVHk6sAorobNqatfvDvRpVkG"
	nftMint    = "JBz38xyggbsa2wTcfocprLZnZJjR3X7BvJ4fJQE85e1W"
	sellerATA  = "4siLdx4DYW6RDjz1GumWQMoUu3jKuG8LYPkJ7eqUHM5d"
	buyerATA   = "DMNYWu8uXjUtDqcTmScZ4RX4XLpwr7WLnGjye31HZqCm"
	royaltyAcc = "y9HFYtMhRtwYu1C6RAPqDP7owVxUhJ4yEyLEgBzndJ2"
	unknownPID = "C3UTGYJERJpfwHANxyj9mk9uf7Srp5PRHPHBnGEMc7KZ"

	raydiumAMM = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	orca       = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"
	jupiter    = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	magicEden  = "M2mx93ekt1fmXSVkTrUL9xVFHkmME8HTUi5Cyc5aF7K"
)

const testFee = 5000

// newRaw builds a transaction with one signer (keys[0]) and unchanged native
// balances except for the fee.
func newRaw(signature string, keys ...string) RawTransaction {
	pre := make([]uint64, len(keys))
	post := make([]uint64, len(keys))
	for i := range keys {
		pre[i] = 10_000_000_000
		post[i] = 10_000_000_000
	}
	if len(keys) > 0 {
		post[0] -= testFee
	}
	return RawTransaction{
		BlockTime: 1_700_000_000,
		Slot:      250_000_000,
		Meta: RawMeta{
			Fee:               testFee,
			InnerInstructions: []RawInnerInstructions{},
			PreBalances:       pre,
			PostBalances:      post,
			PreTokenBalances:  []RawTokenBalance{},
			PostTokenBalances: []RawTokenBalance{},
		},
		Transaction: RawEnvelope{
			Message: RawMessage{
				AccountKeys: keys,
				Header:      RawMessageHeader{NumRequiredSignatures: 1},
			},
			Signatures: []string{signature},
		},
	}
}

func tokenBalance(index int, mint, owner, amount string, decimals uint8) RawTokenBalance {
	return RawTokenBalance{
		AccountIndex: index,
		Mint:         mint,
		Owner:        owner,
		ProgramID:    TokenProgramID,
		UITokenAmount: RawUITokenAmount{
			Amount:   amount,
			Decimals: decimals,
		},
	}
}

func stackHeight(h int) *int { return &h }

func b58(data ...[]byte) string {
	var out []byte
	for _, d := range data {
		out = append(out, d...)
	}
	return base58.Encode(out)
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func splTransferData(amount uint64) string {
	return b58([]byte{splTransfer}, u64le(amount))
}

func systemTransferData(lamports uint64) string {
	return b58(u32le(2), u64le(lamports))
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// leafSchemaPayload encodes a V1 leaf schema event with owner as both owner
// and delegate and zeroed hashes.
func leafSchemaPayload(id, owner solana.PublicKey, nonce uint64) []byte {
	var dataHash, creatorHash, leafHash [32]byte
	return slices.Concat(
		[]byte{1, 0, 0},
		id.Bytes(), owner.Bytes(), owner.Bytes(),
		u64le(nonce),
		dataHash[:], creatorHash[:], leafHash[:],
	)
}

// wrapApplicationData wraps payload the way the noop program logs application data.
func wrapApplicationData(payload []byte) []byte {
	return slices.Concat([]byte{1, 0}, u32le(uint32(len(payload))), payload)
}
