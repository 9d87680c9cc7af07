package enrich

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// ResolvedInstruction is an instruction with every account index replaced by
// its address. Top-level instructions have Depth 0 and Parent -1.
type ResolvedInstruction struct {
	// Position is the index in the flattened sequence.
	Position  int
	ProgramID string
	Accounts  []string

	// Data is the base58 text as delivered; Bytes is its decoding, nil when
	// the text is not valid base58.
	Data  string
	Bytes []byte

	Depth int

	// Parent is the Position of the invoking instruction, -1 when there is none.
	Parent int

	OuterIndex int
	InnerIndex int // -1 for top-level instructions
}

// IsTopLevel reports whether the instruction was part of the transaction message.
func (ix ResolvedInstruction) IsTopLevel() bool { return ix.Depth == 0 }

// IndexInstructions flattens the top-level instructions of raw, each followed
// immediately by its inner instructions, resolving all indices against the
// account-key table. An instruction with an out-of-range index is skipped and
// reported, along with the inner instructions of a skipped top-level
// instruction; the rest are still returned.
func IndexInstructions(raw *RawTransaction) ([]ResolvedInstruction, []error) {
	keys := raw.AccountKeys()
	outer := raw.Transaction.Message.Instructions

	inner := make(map[int][]RawInstruction, len(raw.Meta.InnerInstructions))
	var errs []error
	for _, group := range raw.Meta.InnerInstructions {
		if group.Index < 0 || group.Index >= len(outer) {
			errs = append(errs, fmt.Errorf("%w: inner instruction group references outer instruction %d (have %d)",
				ErrIndexOutOfRange, group.Index, len(outer)))
			continue
		}
		inner[group.Index] = append(inner[group.Index], group.Instructions...)
	}

	resolved := make([]ResolvedInstruction, 0, len(outer))
	for i, rawIx := range outer {
		ix, err := resolveInstruction(rawIx, keys)
		if err != nil {
			// the inner instructions go with it
			errs = append(errs, fmt.Errorf("outer instruction %d (%d inner dropped): %w", i, len(inner[i]), err))
			continue
		}
		ix.Position = len(resolved)
		ix.Parent = -1
		ix.OuterIndex = i
		ix.InnerIndex = -1
		resolved = append(resolved, ix)

		// stack[d] holds the Position of the latest instruction seen at depth d.
		stack := []int{ix.Position}
		for j, rawInner := range inner[i] {
			ix, err := resolveInstruction(rawInner, keys)
			if err != nil {
				errs = append(errs, fmt.Errorf("inner instruction %d.%d: %w", i, j, err))
				continue
			}

			depth := 1
			if rawInner.StackHeight != nil && *rawInner.StackHeight > 1 {
				depth = *rawInner.StackHeight - 1
			}
			if depth > len(stack) {
				depth = len(stack)
			}
			stack = stack[:depth]

			ix.Position = len(resolved)
			ix.Depth = depth
			ix.Parent = stack[depth-1]
			ix.OuterIndex = i
			ix.InnerIndex = j
			stack = append(stack, ix.Position)
			resolved = append(resolved, ix)
		}
	}
	return resolved, errs
}

func resolveInstruction(raw RawInstruction, keys []string) (ResolvedInstruction, error) {
	if raw.ProgramIDIndex < 0 || raw.ProgramIDIndex >= len(keys) {
		return ResolvedInstruction{}, fmt.Errorf("%w: program index %d (have %d keys)",
			ErrIndexOutOfRange, raw.ProgramIDIndex, len(keys))
	}
	accounts := make([]string, len(raw.Accounts))
	for k, idx := range raw.Accounts {
		if idx < 0 || idx >= len(keys) {
			return ResolvedInstruction{}, fmt.Errorf("%w: account index %d (have %d keys)",
				ErrIndexOutOfRange, idx, len(keys))
		}
		accounts[k] = keys[idx]
	}

	data, err := base58.Decode(raw.Data)
	if err != nil {
		data = nil
	}

	return ResolvedInstruction{
		ProgramID: keys[raw.ProgramIDIndex],
		Accounts:  accounts,
		Data:      raw.Data,
		Bytes:     data,
	}, nil
}

// BuildInstructionTree folds a flattened sequence back into top-level
// instructions with their inner instructions nested beneath them.
func BuildInstructionTree(resolved []ResolvedInstruction) []Instruction {
	tree := make([]Instruction, 0)
	byOuter := make(map[int]int)
	for _, ix := range resolved {
		if ix.IsTopLevel() {
			byOuter[ix.OuterIndex] = len(tree)
			tree = append(tree, Instruction{
				Accounts:          ix.Accounts,
				Data:              ix.Data,
				ProgramID:         ix.ProgramID,
				InnerInstructions: []InnerInstruction{},
			})
			continue
		}
		pos, ok := byOuter[ix.OuterIndex]
		if !ok {
			continue
		}
		tree[pos].InnerInstructions = append(tree[pos].InnerInstructions, InnerInstruction{
			Accounts:  ix.Accounts,
			Data:      ix.Data,
			ProgramID: ix.ProgramID,
		})
	}
	return tree
}
