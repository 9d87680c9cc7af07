package enrich

import (
	"fmt"
	"math"
	"math/big"
	"slices"

	"github.com/AlekSi/pointer"
)

// TokenDelta is the change of a single token account across a transaction.
type TokenDelta struct {
	AccountIndex int
	TokenAccount string
	Owner        string
	Mint         string
	Decimals     uint8
	Delta        *big.Int
}

// BalanceDeltas is the output of ExtractBalances.
type BalanceDeltas struct {
	NativeTransfers []NativeTransfer
	TokenTransfers  []TokenTransfer

	// TokenAmounts holds the raw integer amount of each TokenTransfers entry.
	TokenAmounts []*big.Int

	// NativeChanges is post minus pre for every account key, network fee included.
	NativeChanges []int64

	// TokenChanges holds every token account seen in the snapshots, zero deltas included.
	TokenChanges []TokenDelta

	AccountData []AccountData
}

// ExtractBalances derives native and token transfers from the pre/post balance
// snapshots of raw. Debits are paired with credits in account-key order.
func ExtractBalances(raw *RawTransaction) (*BalanceDeltas, error) {
	keys := raw.AccountKeys()
	pre, post := raw.Meta.PreBalances, raw.Meta.PostBalances
	if len(pre) != len(post) || len(pre) != len(keys) {
		return nil, fmt.Errorf("%w: %d pre balances, %d post balances, %d account keys",
			ErrMalformedBalanceData, len(pre), len(post), len(keys))
	}

	native := make([]int64, len(keys))
	for i := range keys {
		native[i] = int64(post[i]) - int64(pre[i])
	}

	tokens, err := tokenDeltas(raw, keys)
	if err != nil {
		return nil, err
	}

	transfers, amounts := tokenTransfers(tokens)
	return &BalanceDeltas{
		NativeTransfers: nativeTransfers(keys, native, raw.Meta.Fee),
		TokenTransfers:  transfers,
		TokenAmounts:    amounts,
		NativeChanges:   native,
		TokenChanges:    tokens,
		AccountData:     accountData(keys, native, tokens),
	}, nil
}

// leg is one side of a pairing: an index into the source slice and the
// amount still unpaired.
type leg struct {
	index  int
	amount *big.Int
}

type pairing struct {
	from, to int
	amount   *big.Int
}

// pairLegs walks debits and credits in order, emitting min(remaining debit,
// remaining credit) at each step. Unpaired legs are returned with their
// remaining amounts.
func pairLegs(debits, credits []leg) (pairs []pairing, restDebits, restCredits []leg) {
	i, j := 0, 0
	for i < len(debits) && j < len(credits) {
		d, c := &debits[i], &credits[j]
		amount := new(big.Int).Set(d.amount)
		if c.amount.Cmp(amount) < 0 {
			amount.Set(c.amount)
		}
		pairs = append(pairs, pairing{from: d.index, to: c.index, amount: amount})
		d.amount.Sub(d.amount, amount)
		c.amount.Sub(c.amount, amount)
		if d.amount.Sign() == 0 {
			i++
		}
		if c.amount.Sign() == 0 {
			j++
		}
	}
	return pairs, debits[i:], credits[j:]
}

func nativeTransfers(keys []string, native []int64, fee uint64) []NativeTransfer {
	adjusted := slices.Clone(native)
	if len(adjusted) > 0 {
		// the fee payer's debit includes the network fee, which is not a transfer
		adjusted[0] += int64(fee)
	}

	var debits, credits []leg
	for i, d := range adjusted {
		switch {
		case d < 0:
			debits = append(debits, leg{index: i, amount: big.NewInt(-d)})
		case d > 0:
			credits = append(credits, leg{index: i, amount: big.NewInt(d)})
		}
	}

	pairs, _, _ := pairLegs(debits, credits)
	transfers := make([]NativeTransfer, 0, len(pairs))
	for _, p := range pairs {
		transfers = append(transfers, NativeTransfer{
			FromUserAccount: pointer.ToString(keys[p.from]),
			ToUserAccount:   pointer.ToString(keys[p.to]),
			Amount:          p.amount.Uint64(),
		})
	}
	return transfers
}

type tokenSnapshot struct {
	pre, post *RawTokenBalance
}

func tokenDeltas(raw *RawTransaction, keys []string) ([]TokenDelta, error) {
	snaps := make(map[int]*tokenSnapshot)
	collect := func(records []RawTokenBalance, isPost bool) error {
		for i := range records {
			rec := &records[i]
			if rec.AccountIndex < 0 || rec.AccountIndex >= len(keys) {
				return fmt.Errorf("%w: token balance account index %d out of range (%d keys)",
					ErrMalformedBalanceData, rec.AccountIndex, len(keys))
			}
			s, ok := snaps[rec.AccountIndex]
			if !ok {
				s = &tokenSnapshot{}
				snaps[rec.AccountIndex] = s
			}
			if isPost {
				s.post = rec
			} else {
				s.pre = rec
			}
		}
		return nil
	}
	if err := collect(raw.Meta.PreTokenBalances, false); err != nil {
		return nil, err
	}
	if err := collect(raw.Meta.PostTokenBalances, true); err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(snaps))
	for idx := range snaps {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	deltas := make([]TokenDelta, 0, len(indices))
	for _, idx := range indices {
		s := snaps[idx]
		if s.pre != nil && s.post != nil && s.pre.Mint != s.post.Mint {
			return nil, fmt.Errorf("%w: token account %s changed mint from %s to %s",
				ErrMalformedBalanceData, keys[idx], s.pre.Mint, s.post.Mint)
		}
		preAmount, err := parseTokenAmount(s.pre)
		if err != nil {
			return nil, err
		}
		postAmount, err := parseTokenAmount(s.post)
		if err != nil {
			return nil, err
		}

		ref := s.post
		if ref == nil {
			ref = s.pre
		}
		owner := ref.Owner
		if owner == "" && s.pre != nil {
			owner = s.pre.Owner
		}

		deltas = append(deltas, TokenDelta{
			AccountIndex: idx,
			TokenAccount: keys[idx],
			Owner:        owner,
			Mint:         ref.Mint,
			Decimals:     ref.UITokenAmount.Decimals,
			Delta:        new(big.Int).Sub(postAmount, preAmount),
		})
	}
	return deltas, nil
}

func parseTokenAmount(rec *RawTokenBalance) (*big.Int, error) {
	if rec == nil {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(rec.UITokenAmount.Amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid token amount %q for account index %d",
			ErrMalformedBalanceData, rec.UITokenAmount.Amount, rec.AccountIndex)
	}
	return v, nil
}

func tokenTransfers(deltas []TokenDelta) ([]TokenTransfer, []*big.Int) {
	var mints []string
	byMint := make(map[string][]int)
	for i, d := range deltas {
		if _, ok := byMint[d.Mint]; !ok {
			mints = append(mints, d.Mint)
		}
		byMint[d.Mint] = append(byMint[d.Mint], i)
	}

	transfers := make([]TokenTransfer, 0)
	var amounts []*big.Int
	for _, mint := range mints {
		var debits, credits []leg
		for _, i := range byMint[mint] {
			switch deltas[i].Delta.Sign() {
			case -1:
				debits = append(debits, leg{index: i, amount: new(big.Int).Neg(deltas[i].Delta)})
			case 1:
				credits = append(credits, leg{index: i, amount: new(big.Int).Set(deltas[i].Delta)})
			}
		}

		pairs, burned, minted := pairLegs(debits, credits)
		for _, p := range pairs {
			from, to := deltas[p.from], deltas[p.to]
			transfers = append(transfers, newTokenTransfer(&from, &to, mint, from.Decimals, p.amount))
			amounts = append(amounts, p.amount)
		}
		for _, l := range minted {
			to := deltas[l.index]
			transfers = append(transfers, newTokenTransfer(nil, &to, mint, to.Decimals, l.amount))
			amounts = append(amounts, l.amount)
		}
		for _, l := range burned {
			from := deltas[l.index]
			transfers = append(transfers, newTokenTransfer(&from, nil, mint, from.Decimals, l.amount))
			amounts = append(amounts, l.amount)
		}
	}
	return transfers, amounts
}

func newTokenTransfer(from, to *TokenDelta, mint string, decimals uint8, amount *big.Int) TokenTransfer {
	t := TokenTransfer{
		TokenAmount:   uiAmount(amount, decimals),
		Decimals:      decimals,
		TokenStandard: tokenStandard(amount, decimals),
		Mint:          mint,
	}
	if from != nil {
		t.FromUserAccount = optionalString(from.Owner)
		t.FromTokenAccount = pointer.ToString(from.TokenAccount)
	}
	if to != nil {
		t.ToUserAccount = optionalString(to.Owner)
		t.ToTokenAccount = pointer.ToString(to.TokenAccount)
	}
	return t
}

func uiAmount(raw *big.Int, decimals uint8) float64 {
	f, _ := new(big.Float).SetInt(raw).Float64()
	return f / math.Pow10(int(decimals))
}

// tokenStandard treats a single indivisible unit as a non-fungible token.
func tokenStandard(amount *big.Int, decimals uint8) TokenStandard {
	if decimals == 0 && amount.IsInt64() && amount.Int64() == 1 {
		return TokenStandardNonFungible
	}
	return TokenStandardFungible
}

func accountData(keys []string, native []int64, tokens []TokenDelta) []AccountData {
	changes := make(map[int][]TokenBalanceChange)
	for _, t := range tokens {
		if t.Delta.Sign() == 0 {
			continue
		}
		changes[t.AccountIndex] = append(changes[t.AccountIndex], TokenBalanceChange{
			UserAccount:  t.Owner,
			TokenAccount: t.TokenAccount,
			RawTokenAmount: RawTokenAmount{
				TokenAmount: t.Delta.String(),
				Decimals:    t.Decimals,
			},
			Mint: t.Mint,
		})
	}

	data := make([]AccountData, len(keys))
	for i, key := range keys {
		tbc := changes[i]
		if tbc == nil {
			tbc = []TokenBalanceChange{}
		}
		data[i] = AccountData{
			Account:             key,
			NativeBalanceChange: native[i],
			TokenBalanceChanges: tbc,
		}
	}
	return data
}
