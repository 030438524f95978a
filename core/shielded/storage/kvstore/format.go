package kvstore

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/rlp"
	"go.dedis.ch/orchard/core/shielded"
)

var (
	accountsBucket       = []byte("accounts")
	notesBucket          = []byte("notes")
	noteNullifiersBucket = []byte("note_nullifiers")
	spendsBucket         = []byte("spends")
	shardsBucket         = []byte("shards")
	capsBucket           = []byte("caps")
	checkpointsBucket    = []byte("checkpoints")
	metaBucket           = []byte("meta")

	allBuckets = [][]byte{
		metaBucket,
		accountsBucket,
		notesBucket,
		noteNullifiersBucket,
		spendsBucket,
		shardsBucket,
		capsBucket,
		checkpointsBucket,
	}
)

// schemaVersion is the version of the layout of the keys and the records. It
// is stored in the meta bucket when the database is created.
const schemaVersion uint32 = 1

var versionKey = []byte("version")

// accountKey returns the prefix of every key of the account. The length of the
// identifier is written first as a uvarint so that no account is the prefix of
// another, whatever the length of the identifier.
func accountKey(account shielded.AccountID) []byte {
	key := make([]byte, 0, binary.MaxVarintLen64+len(account))
	key = binary.AppendUvarint(key, uint64(len(account)))

	return append(key, account...)
}

func positionKey(account shielded.AccountID, pos uint64) []byte {
	key := accountKey(account)

	return binary.BigEndian.AppendUint64(key, pos)
}

func checkpointKey(account shielded.AccountID, id uint32) []byte {
	key := accountKey(account)

	return binary.BigEndian.AppendUint32(key, id)
}

func nullifierKey(account shielded.AccountID, nf shielded.Nullifier) []byte {
	return append(accountKey(account), nf[:]...)
}

type accountRecord struct {
	Birthday      uint32
	Scanned       bool
	ScannedHeight uint32
	ScannedHash   string
}

func encodeAccount(meta shielded.AccountMeta) ([]byte, error) {
	rec := accountRecord{Birthday: meta.Birthday}

	if meta.LatestScanned != nil {
		rec.Scanned = true
		rec.ScannedHeight = meta.LatestScanned.Height
		rec.ScannedHash = meta.LatestScanned.Hash
	}

	return rlp.EncodeToBytes(rec)
}

func decodeAccount(data []byte) (shielded.AccountMeta, error) {
	var rec accountRecord

	err := rlp.DecodeBytes(data, &rec)
	if err != nil {
		return shielded.AccountMeta{}, shielded.Errorf(shielded.ErrConsistency,
			"malformed account record: %v", err)
	}

	meta := shielded.AccountMeta{Birthday: rec.Birthday}

	if rec.Scanned {
		meta.LatestScanned = &shielded.BlockID{
			Height: rec.ScannedHeight,
			Hash:   rec.ScannedHash,
		}
	}

	return meta, nil
}

// noteRecord is the value of a note. The position is the key.
type noteRecord struct {
	Address   shielded.RawAddress
	Height    uint32
	Nullifier shielded.Nullifier
	Amount    uint64
	Rho       shielded.Rho
	RSeed     shielded.RSeed
}

func encodeNote(note shielded.Note) ([]byte, error) {
	return rlp.EncodeToBytes(noteRecord{
		Address:   note.Address,
		Height:    note.BlockHeight,
		Nullifier: note.Nullifier,
		Amount:    note.Amount,
		Rho:       note.Rho,
		RSeed:     note.RSeed,
	})
}

func decodeNote(pos uint64, data []byte) (shielded.Note, error) {
	var rec noteRecord

	err := rlp.DecodeBytes(data, &rec)
	if err != nil {
		return shielded.Note{}, shielded.Errorf(shielded.ErrConsistency,
			"malformed note record at %d: %v", pos, err)
	}

	return shielded.Note{
		Address:     rec.Address,
		BlockHeight: rec.Height,
		Nullifier:   rec.Nullifier,
		Amount:      rec.Amount,
		Position:    pos,
		Rho:         rec.Rho,
		RSeed:       rec.RSeed,
	}, nil
}

type shardRecord struct {
	Complete    bool
	Root        shielded.Hash
	Data        []byte
	MaxPosition uint64
	EndHeight   uint32 `rlp:"optional"`
}

func encodeShard(shard shielded.Shard) ([]byte, error) {
	rec := shardRecord{
		Data:        shard.Data,
		MaxPosition: shard.MaxPosition,
		EndHeight:   shard.EndHeight,
	}

	if shard.RootHash != nil {
		rec.Complete = true
		rec.Root = *shard.RootHash
	}

	return rlp.EncodeToBytes(rec)
}

func decodeShard(addr shielded.ShardAddress, data []byte) (*shielded.Shard, error) {
	var rec shardRecord

	err := rlp.DecodeBytes(data, &rec)
	if err != nil {
		return nil, shielded.Errorf(shielded.ErrConsistency,
			"malformed shard record %v: %v", addr, err)
	}

	shard := &shielded.Shard{
		Address:     addr,
		Data:        rec.Data,
		MaxPosition: rec.MaxPosition,
		EndHeight:   rec.EndHeight,
	}

	if rec.Complete {
		root := rec.Root
		shard.RootHash = &root
	}

	return shard, nil
}

type checkpointRecord struct {
	TreeSize     uint64
	MarksRemoved []uint64
}

func encodeCheckpoint(cp shielded.Checkpoint) ([]byte, error) {
	return rlp.EncodeToBytes(checkpointRecord{
		TreeSize:     cp.TreeSize,
		MarksRemoved: cp.MarksRemoved,
	})
}

func decodeCheckpoint(id uint32, data []byte) (shielded.Checkpoint, error) {
	var rec checkpointRecord

	err := rlp.DecodeBytes(data, &rec)
	if err != nil {
		return shielded.Checkpoint{}, shielded.Errorf(shielded.ErrConsistency,
			"malformed checkpoint record %d: %v", id, err)
	}

	cp := shielded.Checkpoint{
		ID:       id,
		TreeSize: rec.TreeSize,
	}

	if len(rec.MarksRemoved) > 0 {
		cp.MarksRemoved = rec.MarksRemoved
	}

	return cp, nil
}
