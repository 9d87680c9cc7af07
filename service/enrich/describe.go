package enrich

import (
	"fmt"
	"math/big"
	"strconv"
)

func describe(tx *EnrichedTransaction, cls Classification) string {
	switch {
	case tx.Events.Compressed != nil:
		return describeCompressed(tx.Events.Compressed)
	case tx.Events.Swap != nil:
		return describeSwap(tx.FeePayer, tx.Events.Swap)
	case tx.Events.NFT != nil:
		return describeNFTSale(tx.Events.NFT, cls)
	case tx.Type == TransactionTypeTransfer:
		return describeTransfer(tx)
	}
	return ""
}

func describeTransfer(tx *EnrichedTransaction) string {
	if len(tx.NativeTransfers) > 0 {
		t := tx.NativeTransfers[0]
		return fmt.Sprintf("%s transferred %s SOL to %s.",
			deref(t.FromUserAccount), formatUnits(new(big.Int).SetUint64(t.Amount), lamportsDecimals), deref(t.ToUserAccount))
	}
	if len(tx.TokenTransfers) == 0 {
		return ""
	}
	t := tx.TokenTransfers[0]
	amount := formatFloat(t.TokenAmount)
	switch {
	case t.FromUserAccount != nil && t.ToUserAccount != nil:
		return fmt.Sprintf("%s transferred %s %s to %s.", *t.FromUserAccount, amount, t.Mint, *t.ToUserAccount)
	case t.ToUserAccount != nil:
		return fmt.Sprintf("%s received %s %s.", *t.ToUserAccount, amount, t.Mint)
	case t.FromUserAccount != nil:
		return fmt.Sprintf("%s burned %s %s.", *t.FromUserAccount, amount, t.Mint)
	}
	return ""
}

func describeSwap(feePayer string, ev *SwapEvent) string {
	in := swapSide(ev.TokenInputs, ev.NativeInput)
	out := swapSide(ev.TokenOutputs, ev.NativeOutput)
	return fmt.Sprintf("%s swapped %s for %s.", feePayer, in, out)
}

func swapSide(tokens []TokenBalanceChange, native *NativeBalanceChange) string {
	if len(tokens) > 0 {
		t := tokens[0]
		amount, ok := new(big.Int).SetString(t.RawTokenAmount.TokenAmount, 10)
		if !ok {
			return t.Mint
		}
		return formatUnits(amount, t.RawTokenAmount.Decimals) + " " + t.Mint
	}
	if native != nil {
		return formatUnits(new(big.Int).SetUint64(native.Amount), lamportsDecimals) + " SOL"
	}
	return "nothing"
}

func describeNFTSale(ev *NFTEvent, cls Classification) string {
	unit := "SOL"
	decimals := uint8(lamportsDecimals)
	if cls.paymentMint != "" {
		unit, decimals = cls.paymentMint, cls.paymentDecimals
	}
	mint := ""
	if len(ev.NFTs) > 0 {
		mint = ev.NFTs[0].Mint
	}
	return fmt.Sprintf("%s bought %s from %s for %s %s on %s.",
		ev.Buyer, mint, ev.Seller, formatUnits(new(big.Int).SetUint64(ev.Amount), decimals), unit, ev.Source)
}

var compressedVerbs = map[TransactionType]string{
	TransactionTypeCompressedNFTMint:     "minted",
	TransactionTypeCompressedNFTTransfer: "transferred",
	TransactionTypeCompressedNFTBurn:     "burned",
	TransactionTypeCompressedNFTDelegate: "delegated",
}

func describeCompressed(ev *CompressedNftEvent) string {
	owner := ev.OldLeafOwner
	if ev.Type == TransactionTypeCompressedNFTMint {
		owner = ev.NewLeafOwner
	}
	who := "unknown"
	if owner != nil {
		who = *owner
	}
	return fmt.Sprintf("%s %s a compressed NFT on tree %s.", who, compressedVerbs[ev.Type], ev.TreeID)
}

// formatUnits renders a raw integer amount with the given number of decimals,
// without trailing zeros.
func formatUnits(raw *big.Int, decimals uint8) string {
	r := new(big.Rat).SetFrac(raw, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	s := r.FloatString(int(decimals))
	if decimals == 0 {
		return s
	}
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
