package enrich

import (
	"encoding/binary"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SPL token instruction tags.
const (
	splTransfer        = 3
	splTransferChecked = 12
)

// decodedTokenTransfer is an SPL transfer or transferChecked instruction.
type decodedTokenTransfer struct {
	Source      string
	Destination string
	Authority   string
	Amount      uint64

	// Mint and Decimals are only carried by transferChecked.
	Mint     string
	Decimals *uint8
}

func isTokenProgram(programID string) bool {
	return programID == TokenProgramID || programID == Token2022ProgramID
}

// decodeTokenTransfer decodes ix when it is an SPL token transfer.
func decodeTokenTransfer(ix ResolvedInstruction) (*decodedTokenTransfer, bool) {
	if !isTokenProgram(ix.ProgramID) || len(ix.Bytes) == 0 {
		return nil, false
	}
	switch ix.Bytes[0] {
	case splTransfer:
		if len(ix.Bytes) < 9 || len(ix.Accounts) < 3 {
			return nil, false
		}
		return &decodedTokenTransfer{
			Source:      ix.Accounts[0],
			Destination: ix.Accounts[1],
			Authority:   ix.Accounts[2],
			Amount:      binary.LittleEndian.Uint64(ix.Bytes[1:9]),
		}, true
	case splTransferChecked:
		if len(ix.Bytes) < 10 || len(ix.Accounts) < 4 {
			return nil, false
		}
		decimals := ix.Bytes[9]
		return &decodedTokenTransfer{
			Source:      ix.Accounts[0],
			Mint:        ix.Accounts[1],
			Destination: ix.Accounts[2],
			Authority:   ix.Accounts[3],
			Amount:      binary.LittleEndian.Uint64(ix.Bytes[1:9]),
			Decimals:    &decimals,
		}, true
	}
	return nil, false
}

type decodedSystemTransfer struct {
	From     string
	To       string
	Lamports uint64
}

// decodeSystemTransfer decodes ix when it is a System Program transfer.
func decodeSystemTransfer(ix ResolvedInstruction) (*decodedSystemTransfer, bool) {
	if ix.ProgramID != SystemProgramID || len(ix.Bytes) < 12 || len(ix.Accounts) < 2 {
		return nil, false
	}
	if binary.LittleEndian.Uint32(ix.Bytes[0:4]) != 2 {
		return nil, false
	}
	return &decodedSystemTransfer{
		From:     ix.Accounts[0],
		To:       ix.Accounts[1],
		Lamports: binary.LittleEndian.Uint64(ix.Bytes[4:12]),
	}, true
}

// leafArgs are the arguments shared by the Bubblegum transfer, burn and
// delegate instructions.
type leafArgs struct {
	Root        [32]byte
	DataHash    [32]byte
	CreatorHash [32]byte
	Nonce       uint64
	Index       uint32
}

const anchorDiscriminatorLen = 8

func decodeLeafArgs(data []byte) (*leafArgs, error) {
	if len(data) < anchorDiscriminatorLen {
		return nil, fmt.Errorf("instruction data too short: %d", len(data))
	}
	var args leafArgs
	if err := ag_binary.NewBorshDecoder(data[anchorDiscriminatorLen:]).Decode(&args); err != nil {
		return nil, fmt.Errorf("error decoding leaf args: %w", err)
	}
	return &args, nil
}

type pathNode struct {
	Node  [32]byte
	Index uint32
}

// changeLogEvent is the account-compression change log emitted through the
// noop program after every tree mutation.
type changeLogEvent struct {
	EventType uint8
	Version   uint8
	ID        solana.PublicKey
	Path      []pathNode
	Seq       uint64
	Index     uint32
}

// leafSchemaEvent is a V1 leaf schema event. Bubblegum emits it through the
// noop program wrapped as application data.
type leafSchemaEvent struct {
	EventType   uint8
	Version     uint8
	SchemaTag   uint8
	ID          solana.PublicKey
	Owner       solana.PublicKey
	Delegate    solana.PublicKey
	Nonce       uint64
	DataHash    [32]byte
	CreatorHash [32]byte
	LeafHash    [32]byte
}

const (
	compressionEventChangeLog       = 0
	compressionEventApplicationData = 1
	compressionEventV1              = 0

	bubblegumEventLeafSchema = 1
	leafSchemaV1             = 0

	// event type, version and schema tag, three keys, nonce, three hashes.
	leafSchemaEventV1Len = 3 + 3*32 + 8 + 3*32
)

func decodeChangeLog(data []byte) (*changeLogEvent, bool) {
	if len(data) < 2 || data[0] != compressionEventChangeLog || data[1] != compressionEventV1 {
		return nil, false
	}
	var ev changeLogEvent
	dec := ag_binary.NewBorshDecoder(data)
	if err := dec.Decode(&ev); err != nil || dec.HasRemaining() {
		return nil, false
	}
	return &ev, true
}

// decodeApplicationData unwraps an account-compression application data V1
// event: tag, version, u32 length, payload. The payload must fill the rest.
func decodeApplicationData(data []byte) ([]byte, bool) {
	if len(data) < 6 || data[0] != compressionEventApplicationData || data[1] != compressionEventV1 {
		return nil, false
	}
	payload := data[6:]
	if uint64(binary.LittleEndian.Uint32(data[2:6])) != uint64(len(payload)) {
		return nil, false
	}
	return payload, true
}

func decodeLeafSchema(data []byte) (*leafSchemaEvent, bool) {
	payload, ok := decodeApplicationData(data)
	if !ok || len(payload) != leafSchemaEventV1Len {
		return nil, false
	}
	if payload[0] != bubblegumEventLeafSchema || payload[1] != compressionEventV1 || payload[2] != leafSchemaV1 {
		return nil, false
	}
	var ev leafSchemaEvent
	if err := ag_binary.NewBorshDecoder(payload).Decode(&ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// assetID derives the address of the compressed asset minted into tree at nonce.
func assetID(tree string, nonce uint64) (string, error) {
	treeKey, err := solana.PublicKeyFromBase58(tree)
	if err != nil {
		return "", err
	}
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], nonce)
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("asset"), treeKey.Bytes(), nonceLE[:]},
		solana.MustPublicKeyFromBase58(BubblegumProgramID),
	)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}
