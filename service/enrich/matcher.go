package enrich

// MatchedInstruction is a resolved instruction annotated with its registry identity.
type MatchedInstruction struct {
	ResolvedInstruction
	Program ProgramInfo
	Kind    ProgramKind
	Known   bool
}

// Matcher resolves program identities against a registry.
type Matcher struct {
	registry *Registry
}

func NewMatcher(registry *Registry) *Matcher {
	return &Matcher{registry: registry}
}

// Match looks up the program of ix. Unknown programs are not an error: the
// returned ProgramInfo carries SourceUnknown and ok is false.
func (m *Matcher) Match(ix ResolvedInstruction) (ProgramInfo, bool) {
	entry, ok := m.registry.programs[ix.ProgramID]
	if !ok {
		return ProgramInfo{
			Source:      SourceUnknown,
			Account:     ix.ProgramID,
			ProgramName: ProgramNameUnknown,
		}, false
	}
	return ProgramInfo{
		Source:          entry.Source,
		Account:         ix.ProgramID,
		ProgramName:     entry.ProgramName,
		InstructionName: m.registry.instructionName(ix.ProgramID, ix.Bytes),
	}, true
}

// MatchAll matches every instruction in order.
func (m *Matcher) MatchAll(resolved []ResolvedInstruction) []MatchedInstruction {
	out := make([]MatchedInstruction, len(resolved))
	for i, ix := range resolved {
		info, ok := m.Match(ix)
		kind := ProgramKindUnknown
		if ok {
			kind = m.registry.programs[ix.ProgramID].Kind
		}
		out[i] = MatchedInstruction{ResolvedInstruction: ix, Program: info, Kind: kind, Known: ok}
	}
	return out
}
