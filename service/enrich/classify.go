package enrich

import (
	"math/big"
	"strings"

	"github.com/AlekSi/pointer"
)

// Classification is the outcome of the classifier rules for one transaction.
type Classification struct {
	Event  TransactionEvent
	Type   TransactionType
	Source Source

	// NFT sale payment asset, "" for native SOL.
	paymentMint     string
	paymentDecimals uint8
}

// Classifier applies the event rules in fixed priority order: compressed NFT,
// swap, NFT sale, then the transfer fallback. The first rule that matches wins.
type Classifier struct {
	registry *Registry
}

func NewClassifier(registry *Registry) *Classifier {
	return &Classifier{registry: registry}
}

// txContext is the per-transaction view shared by the rules.
type txContext struct {
	raw           *RawTransaction
	feePayer      string
	signers       map[string]bool
	matched       []MatchedInstruction
	balances      *BalanceDeltas
	tokenAccounts map[string]TokenDelta
}

func newTxContext(raw *RawTransaction, matched []MatchedInstruction, balances *BalanceDeltas) *txContext {
	tx := &txContext{
		raw:           raw,
		feePayer:      raw.FeePayer(),
		signers:       make(map[string]bool),
		matched:       matched,
		balances:      balances,
		tokenAccounts: make(map[string]TokenDelta, len(balances.TokenChanges)),
	}
	for i, key := range raw.Transaction.Message.AccountKeys {
		if raw.IsSigner(i) {
			tx.signers[key] = true
		}
	}
	for _, d := range balances.TokenChanges {
		tx.tokenAccounts[d.TokenAccount] = d
	}
	return tx
}

// Classify runs the rules against one transaction. It never returns more
// than one populated event variant.
func (c *Classifier) Classify(raw *RawTransaction, matched []MatchedInstruction, balances *BalanceDeltas) Classification {
	tx := newTxContext(raw, matched, balances)

	if ev := c.compressedEvent(tx); ev != nil {
		return Classification{
			Event:  TransactionEvent{Compressed: ev},
			Type:   ev.Type,
			Source: SourceBubblegum,
		}
	}
	if ev, source := c.swapEvent(tx); ev != nil {
		return Classification{
			Event:  TransactionEvent{Swap: ev},
			Type:   TransactionTypeSwap,
			Source: source,
		}
	}
	if ev, mint, decimals := c.nftSaleEvent(tx); ev != nil {
		return Classification{
			Event:           TransactionEvent{NFT: ev},
			Type:            TransactionTypeNFTSale,
			Source:          ev.Source,
			paymentMint:     mint,
			paymentDecimals: decimals,
		}
	}
	return c.Fallback(raw, matched, balances)
}

// Fallback classifies a transaction without any event: TRANSFER when value
// moved, UNKNOWN otherwise.
func (c *Classifier) Fallback(_ *RawTransaction, matched []MatchedInstruction, balances *BalanceDeltas) Classification {
	typ := TransactionTypeUnknown
	if len(balances.NativeTransfers)+len(balances.TokenTransfers) > 0 {
		typ = TransactionTypeTransfer
	}
	return Classification{Type: typ, Source: primarySource(matched)}
}

// primarySource prefers the first known program that is not a utility.
func primarySource(matched []MatchedInstruction) Source {
	first := SourceUnknown
	for _, m := range matched {
		if !m.Known {
			continue
		}
		if m.Kind != ProgramKindUtility {
			return m.Program.Source
		}
		if first == SourceUnknown {
			first = m.Program.Source
		}
	}
	return first
}

func (tx *txContext) descends(pos, ancestor int) bool {
	for p := tx.matched[pos].Parent; p >= 0; p = tx.matched[p].Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

var compressedTypes = map[string]TransactionType{
	"mintV1":             TransactionTypeCompressedNFTMint,
	"mintToCollectionV1": TransactionTypeCompressedNFTMint,
	"transfer":           TransactionTypeCompressedNFTTransfer,
	"burn":               TransactionTypeCompressedNFTBurn,
	"delegate":           TransactionTypeCompressedNFTDelegate,
}

func (c *Classifier) compressedEvent(tx *txContext) *CompressedNftEvent {
	for pos, m := range tx.matched {
		if !m.Known || m.Kind != ProgramKindCompression {
			continue
		}
		if typ, ok := compressedTypes[m.Program.InstructionName]; ok {
			return buildCompressedEvent(tx, pos, typ)
		}
	}
	return nil
}

func buildCompressedEvent(tx *txContext, pos int, typ TransactionType) *CompressedNftEvent {
	ix := tx.matched[pos]
	account := func(i int) *string {
		if i < len(ix.Accounts) {
			return pointer.ToString(ix.Accounts[i])
		}
		return nil
	}

	ev := &CompressedNftEvent{
		Type:             typ,
		InstructionIndex: pointer.ToInt(ix.OuterIndex),
	}
	if !ix.IsTopLevel() {
		ev.InnerInstructionIndex = pointer.ToInt(ix.InnerIndex)
	}

	treeIndex := 4
	switch typ {
	case TransactionTypeCompressedNFTMint:
		treeIndex = 3
		ev.NewLeafOwner = account(1)
		ev.NewLeafDelegate = account(2)
		ev.TreeDelegate = account(5)
	case TransactionTypeCompressedNFTTransfer:
		ev.OldLeafOwner = account(1)
		ev.OldLeafDelegate = account(2)
		ev.NewLeafOwner = account(3)
		ev.NewLeafDelegate = account(3)
	case TransactionTypeCompressedNFTDelegate:
		ev.OldLeafOwner = account(1)
		ev.NewLeafOwner = account(1)
		ev.OldLeafDelegate = account(2)
		ev.NewLeafDelegate = account(3)
	case TransactionTypeCompressedNFTBurn:
		treeIndex = 3
		ev.OldLeafOwner = account(1)
		ev.OldLeafDelegate = account(2)
	}
	if tree := account(treeIndex); tree != nil {
		ev.TreeID = *tree
	}

	// Mint arguments carry full metadata and no nonce; the asset id of a
	// mint only comes from the leaf schema event below.
	if typ != TransactionTypeCompressedNFTMint {
		if args, err := decodeLeafArgs(ix.Bytes); err == nil {
			ev.LeafIndex = pointer.ToUint32(args.Index)
			if id, err := assetID(ev.TreeID, args.Nonce); err == nil {
				ev.AssetID = pointer.ToString(id)
			}
		}
	}

	for j := pos + 1; j < len(tx.matched); j++ {
		child := tx.matched[j]
		if child.ProgramID != NoopProgramID || !tx.descends(j, pos) {
			continue
		}
		if cl, ok := decodeChangeLog(child.Bytes); ok && cl.ID.String() == ev.TreeID {
			ev.Seq = pointer.ToUint64(cl.Seq)
			if ev.LeafIndex == nil {
				ev.LeafIndex = pointer.ToUint32(cl.Index)
			}
			continue
		}
		if ls, ok := decodeLeafSchema(child.Bytes); ok && ev.AssetID == nil {
			ev.AssetID = pointer.ToString(ls.ID.String())
		}
	}
	return ev
}

func (c *Classifier) swapEvent(tx *txContext) (*SwapEvent, Source) {
	source := SourceUnknown
	hasDEX := false
	dexAccounts := make(map[string]struct{})
	for _, m := range tx.matched {
		if !m.Known || !m.Kind.IsDEX() {
			continue
		}
		if !hasDEX {
			source = m.Program.Source
			hasDEX = true
		}
		dexAccounts[m.ProgramID] = struct{}{}
		for _, a := range m.Accounts {
			dexAccounts[a] = struct{}{}
		}
	}
	if !hasDEX || len(tx.balances.NativeChanges) == 0 {
		return nil, ""
	}
	touchesDEX := func(addr string) bool {
		_, ok := dexAccounts[addr]
		return ok
	}

	ev := &SwapEvent{
		TokenInputs:  []TokenBalanceChange{},
		TokenOutputs: []TokenBalanceChange{},
		TokenFees:    []TokenBalanceChange{},
		NativeFees:   []NativeBalanceChange{},
	}

	var nativeFeeTotal uint64
	for _, t := range tx.balances.NativeTransfers {
		if !sameAddress(t.FromUserAccount, tx.feePayer) || t.ToUserAccount == nil || *t.ToUserAccount == tx.feePayer {
			continue
		}
		to := *t.ToUserAccount
		if touchesDEX(to) || tx.ownedByFeePayer(to) {
			continue
		}
		ev.NativeFees = append(ev.NativeFees, NativeBalanceChange{Account: to, Amount: t.Amount})
		nativeFeeTotal += t.Amount
	}

	feeByAccount := make(map[string]*big.Int)
	for k, t := range tx.balances.TokenTransfers {
		if !sameAddress(t.FromUserAccount, tx.feePayer) || sameAddress(t.ToUserAccount, tx.feePayer) || t.ToTokenAccount == nil {
			continue
		}
		if touchesDEX(*t.ToTokenAccount) || touchesDEX(deref(t.ToUserAccount)) {
			continue
		}
		amount := tx.balances.TokenAmounts[k]
		ev.TokenFees = append(ev.TokenFees, balanceChange(deref(t.ToUserAccount), *t.ToTokenAccount, t.Mint, t.Decimals, amount))
		from := deref(t.FromTokenAccount)
		if feeByAccount[from] == nil {
			feeByAccount[from] = new(big.Int)
		}
		feeByAccount[from].Add(feeByAccount[from], amount)
	}

	for _, d := range tx.balances.TokenChanges {
		if d.Owner != tx.feePayer {
			continue
		}
		switch d.Delta.Sign() {
		case -1:
			spent := new(big.Int).Neg(d.Delta)
			if fee := feeByAccount[d.TokenAccount]; fee != nil {
				spent.Sub(spent, fee)
			}
			if spent.Sign() > 0 {
				ev.TokenInputs = append(ev.TokenInputs, balanceChange(d.Owner, d.TokenAccount, d.Mint, d.Decimals, spent))
			}
		case 1:
			ev.TokenOutputs = append(ev.TokenOutputs, balanceChange(d.Owner, d.TokenAccount, d.Mint, d.Decimals, d.Delta))
		}
	}

	nativeFlow := tx.balances.NativeChanges[0] + int64(tx.raw.Meta.Fee)
	switch {
	case nativeFlow < 0:
		if spent := uint64(-nativeFlow); spent > nativeFeeTotal {
			ev.NativeInput = &NativeBalanceChange{Account: tx.feePayer, Amount: spent - nativeFeeTotal}
		}
	case nativeFlow > 0:
		ev.NativeOutput = &NativeBalanceChange{Account: tx.feePayer, Amount: uint64(nativeFlow)}
	}

	hasOutflow := len(ev.TokenInputs) > 0 || ev.NativeInput != nil
	hasInflow := len(ev.TokenOutputs) > 0 || ev.NativeOutput != nil
	if !hasOutflow || !hasInflow {
		return nil, ""
	}

	ev.InnerSwaps = c.innerSwaps(tx)
	return ev, source
}

func (tx *txContext) ownedByFeePayer(tokenAccount string) bool {
	d, ok := tx.tokenAccounts[tokenAccount]
	return ok && d.Owner == tx.feePayer
}

func balanceChange(owner, tokenAccount, mint string, decimals uint8, amount *big.Int) TokenBalanceChange {
	return TokenBalanceChange{
		UserAccount:  owner,
		TokenAccount: tokenAccount,
		RawTokenAmount: RawTokenAmount{
			TokenAmount: amount.String(),
			Decimals:    decimals,
		},
		Mint: mint,
	}
}

// innerSwaps builds one TokenSwap per AMM invocation, in execution order, so
// a route through two pools of the same program yields two hops. Each
// transfer is attributed to its nearest AMM ancestor.
func (c *Classifier) innerSwaps(tx *txContext) []TokenSwap {
	var order []int
	swaps := make(map[int]*TokenSwap)
	for pos, m := range tx.matched {
		if !m.Known || m.Kind != ProgramKindAMM {
			continue
		}
		order = append(order, pos)
		swaps[pos] = &TokenSwap{
			TokenInputs:  []TokenTransfer{},
			TokenOutputs: []TokenTransfer{},
			TokenFees:    []TokenTransfer{},
			NativeFees:   []NativeTransfer{},
			ProgramInfo:  m.Program,
		}
	}

	for pos, m := range tx.matched {
		amm := tx.nearestAMM(pos)
		if amm < 0 {
			continue
		}
		s := swaps[amm]
		if tt, ok := decodeTokenTransfer(m.ResolvedInstruction); ok {
			transfer := tx.tokenTransfer(tt)
			if tx.signers[tt.Authority] {
				s.TokenInputs = append(s.TokenInputs, transfer)
			} else {
				s.TokenOutputs = append(s.TokenOutputs, transfer)
			}
			continue
		}
		if st, ok := decodeSystemTransfer(m.ResolvedInstruction); ok {
			if tx.signers[st.From] {
				s.NativeInput = addNative(s.NativeInput, st)
			} else {
				s.NativeOutput = addNative(s.NativeOutput, st)
			}
		}
	}

	out := make([]TokenSwap, 0, len(order))
	for _, pos := range order {
		out = append(out, *swaps[pos])
	}
	return out
}

// nearestAMM returns the position of the closest AMM ancestor of pos, or -1.
func (tx *txContext) nearestAMM(pos int) int {
	for p := tx.matched[pos].Parent; p >= 0; p = tx.matched[p].Parent {
		if m := tx.matched[p]; m.Known && m.Kind == ProgramKindAMM {
			return p
		}
	}
	return -1
}

func (tx *txContext) tokenTransfer(tt *decodedTokenTransfer) TokenTransfer {
	src, srcOK := tx.tokenAccounts[tt.Source]
	dst, dstOK := tx.tokenAccounts[tt.Destination]

	mint := tt.Mint
	if mint == "" {
		mint = dst.Mint
	}
	if mint == "" {
		mint = src.Mint
	}

	var decimals uint8
	switch {
	case tt.Decimals != nil:
		decimals = *tt.Decimals
	case dstOK:
		decimals = dst.Decimals
	case srcOK:
		decimals = src.Decimals
	}

	amount := new(big.Int).SetUint64(tt.Amount)
	return TokenTransfer{
		FromUserAccount:  optionalString(src.Owner),
		ToUserAccount:    optionalString(dst.Owner),
		FromTokenAccount: pointer.ToString(tt.Source),
		ToTokenAccount:   pointer.ToString(tt.Destination),
		TokenAmount:      uiAmount(amount, decimals),
		Decimals:         decimals,
		TokenStandard:    tokenStandard(amount, decimals),
		Mint:             mint,
	}
}

func addNative(acc *NativeTransfer, st *decodedSystemTransfer) *NativeTransfer {
	if acc == nil {
		return &NativeTransfer{
			FromUserAccount: pointer.ToString(st.From),
			ToUserAccount:   pointer.ToString(st.To),
			Amount:          st.Lamports,
		}
	}
	acc.Amount += st.Lamports
	return acc
}

const lamportsDecimals = 9

func (c *Classifier) nftSaleEvent(tx *txContext) (*NFTEvent, string, uint8) {
	var marketplace *MatchedInstruction
	for i := range tx.matched {
		if tx.matched[i].Known && tx.matched[i].Kind == ProgramKindMarketplace {
			marketplace = &tx.matched[i]
			break
		}
	}
	if marketplace == nil {
		return nil, "", 0
	}

	var nft *TokenTransfer
	for i := range tx.balances.TokenTransfers {
		if tx.balances.TokenTransfers[i].TokenStandard != TokenStandardNonFungible {
			continue
		}
		if nft != nil {
			return nil, "", 0
		}
		nft = &tx.balances.TokenTransfers[i]
	}
	if nft == nil || nft.FromUserAccount == nil || nft.ToUserAccount == nil {
		return nil, "", 0
	}
	seller, buyer := *nft.FromUserAccount, *nft.ToUserAccount

	var (
		mint     string
		decimals uint8 = lamportsDecimals
		amount   uint64
		paid     bool
	)
	for _, t := range tx.balances.NativeTransfers {
		if !sameAddress(t.FromUserAccount, buyer) {
			continue
		}
		amount += t.Amount
		if sameAddress(t.ToUserAccount, seller) {
			paid = true
		}
	}
	if !paid {
		for _, t := range tx.balances.TokenTransfers {
			if sameAddress(t.FromUserAccount, buyer) && sameAddress(t.ToUserAccount, seller) && c.registry.IsStableMint(t.Mint) {
				mint, decimals = t.Mint, t.Decimals
				break
			}
		}
		if mint == "" {
			return nil, "", 0
		}
		total := new(big.Int)
		for k, t := range tx.balances.TokenTransfers {
			if sameAddress(t.FromUserAccount, buyer) && t.Mint == mint {
				total.Add(total, tx.balances.TokenAmounts[k])
			}
		}
		if !total.IsUint64() {
			return nil, "", 0
		}
		amount = total.Uint64()
	}

	return &NFTEvent{
		Seller:    seller,
		Buyer:     buyer,
		Timestamp: tx.raw.BlockTime,
		Amount:    amount,
		Fee:       tx.raw.Meta.Fee,
		Signature: tx.raw.Signature(),
		Source:    marketplace.Program.Source,
		Type:      TransactionTypeNFTSale,
		SaleType:  saleTypeFor(marketplace.Program.InstructionName),
		NFTs:      []NFTToken{{Mint: nft.Mint, TokenStandard: TokenStandardNonFungible}},
	}, mint, decimals
}

// saleTypeFor maps a marketplace instruction name to the sale context. It
// returns nil when the name gives no hint.
func saleTypeFor(instruction string) *SaleType {
	name := strings.ToLower(instruction)
	var st SaleType
	switch {
	case name == "":
		return nil
	case strings.Contains(name, "auction"):
		st = SaleTypeAuction
	case strings.Contains(name, "takebid"), strings.Contains(name, "sellnow"), strings.HasPrefix(name, "sell"):
		st = SaleTypeOffer
	case strings.Contains(name, "execute"), strings.Contains(name, "buy"):
		st = SaleTypeInstantSale
	default:
		return nil
	}
	return &st
}
