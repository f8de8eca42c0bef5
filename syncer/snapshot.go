// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/hearth-foundation/hearth/lib/codec"
	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
	"github.com/hearth-foundation/hearth/state"
)

// Snapshot is the serializable state of an engine plus the stream
// cursor it corresponds to. Restoring a snapshot and resuming from its
// cursor is equivalent to having stayed connected.
type Snapshot struct {
	SavedAt   int64          `json:"saved_at"`
	NextBatch string         `json:"next_batch"`
	Users     []state.User   `json:"users"`
	Rooms     []RoomSnapshot `json:"rooms"`
}

// RoomSnapshot carries one room's reconstructable state.
type RoomSnapshot struct {
	ID       ref.RoomID            `json:"id"`
	Name     string                `json:"name"`
	State    []messaging.Event     `json:"state"`
	Timeline []messaging.Event     `json:"timeline"`
	Receipts []state.ReceiptUpdate `json:"receipts"`
	Typing   []ref.UserID          `json:"typing"`
}

// Snapshot captures the engine's full state together with the given
// stream cursor.
func (e *Engine) Snapshot(cursor string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := Snapshot{
		SavedAt:   e.clock.Now().UnixMilli(),
		NextBatch: cursor,
		Users:     e.directory.Users(),
	}
	for _, roomID := range sortedRoomIDs(e.rooms) {
		room := e.rooms[roomID]
		snapshot.Rooms = append(snapshot.Rooms, RoomSnapshot{
			ID:       roomID,
			Name:     e.roomNames[roomID],
			State:    room.StateEvents(),
			Timeline: room.Timeline(),
			Receipts: room.Receipts().Updates(),
			Typing:   room.TypingUsers(),
		})
	}
	return snapshot
}

// Restore loads a snapshot into an empty engine. State replays through
// the same paths as a live sync (so member tables and power levels are
// rebuilt), but no notifications are emitted — a restore reconstructs
// a view the consumer has already seen.
func (e *Engine) Restore(snapshot Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.rooms) > 0 || len(e.directory.Users()) > 0 {
		return fmt.Errorf("syncer: restore requires an empty engine")
	}
	for _, user := range snapshot.Users {
		e.directory.Restore(user)
	}
	for _, roomSnapshot := range snapshot.Rooms {
		if roomSnapshot.ID.IsZero() {
			return fmt.Errorf("syncer: snapshot contains a room with no ID")
		}
		room := e.ensureRoom(roomSnapshot.ID)
		for _, event := range roomSnapshot.State {
			if err := room.RestoreState(event, e.directory); err != nil {
				return fmt.Errorf("syncer: restoring state for %s: %w", roomSnapshot.ID, err)
			}
		}
		for _, event := range roomSnapshot.Timeline {
			room.RestoreTimeline(event)
		}
		for _, update := range roomSnapshot.Receipts {
			room.RestoreReceipt(update)
		}
		room.SetTyping(roomSnapshot.Typing)
		e.roomNames[roomSnapshot.ID] = room.Name(e.self)
	}
	return nil
}

// Snapshot file layout:
//
//	offset 0: magic "HSNP"
//	offset 4: format version (1 byte)
//	offset 5: compression tag (1 byte)
//	offset 6: uncompressed payload size (8 bytes, big-endian)
//	offset 14: BLAKE3 keyed checksum of the compressed payload (32 bytes)
//	offset 46: compressed CBOR payload
const (
	snapshotMagic   = "HSNP"
	snapshotVersion = 1
	headerSize      = 4 + 1 + 1 + 8 + 32
)

// CompressionTag identifies the compression applied to a snapshot
// payload. Stored in the file header; changing values breaks existing
// snapshot files.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

// ParseCompressionTag maps a config value to a tag.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// String returns the config-file name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// snapshotDomainKey is the BLAKE3 keyed-hash domain for snapshot
// checksums: the ASCII domain name zero-padded to 32 bytes, so the key
// is inspectable in hex dumps.
var snapshotDomainKey = [32]byte{
	'h', 'e', 'a', 'r', 't', 'h', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't',
}

func snapshotChecksum(payload []byte) [32]byte {
	hasher, err := blake3.NewKeyed(snapshotDomainKey[:])
	if err != nil {
		panic("syncer: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var checksum [32]byte
	copy(checksum[:], hasher.Sum(nil))
	return checksum
}

// zstd encoder/decoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("syncer: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("syncer: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses encoded snapshot bytes. When the chosen
// algorithm does not make the payload smaller, the data is stored
// uncompressed and the returned tag says so.
func compressPayload(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return data, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompressPayload reverses compressPayload. uncompressedSize must
// match the original length exactly.
func decompressPayload(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// WriteSnapshotFile encodes, compresses, checksums, and atomically
// writes a snapshot. The file appears at path only when fully written.
func WriteSnapshotFile(path string, snapshot Snapshot, tag CompressionTag) error {
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("syncer: encoding snapshot: %w", err)
	}
	compressed, usedTag, err := compressPayload(encoded, tag)
	if err != nil {
		return fmt.Errorf("syncer: compressing snapshot: %w", err)
	}
	checksum := snapshotChecksum(compressed)

	buffer := make([]byte, headerSize+len(compressed))
	copy(buffer[0:4], snapshotMagic)
	buffer[4] = snapshotVersion
	buffer[5] = byte(usedTag)
	binary.BigEndian.PutUint64(buffer[6:14], uint64(len(encoded)))
	copy(buffer[14:46], checksum[:])
	copy(buffer[headerSize:], compressed)

	temporary, err := os.CreateTemp(filepath.Dir(path), ".hearth-snapshot-*")
	if err != nil {
		return fmt.Errorf("syncer: creating snapshot temp file: %w", err)
	}
	temporaryPath := temporary.Name()
	if _, err := temporary.Write(buffer); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncer: writing snapshot: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("syncer: closing snapshot temp file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("syncer: renaming snapshot into place: %w", err)
	}
	return nil
}

// ReadSnapshotFile verifies and decodes a snapshot file. A checksum
// mismatch, truncated header, or unknown version is an error — a
// corrupt snapshot must never silently restore partial state.
func ReadSnapshotFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("syncer: reading snapshot: %w", err)
	}
	if len(data) < headerSize {
		return Snapshot{}, fmt.Errorf("syncer: snapshot file is truncated (%d bytes)", len(data))
	}
	if string(data[0:4]) != snapshotMagic {
		return Snapshot{}, fmt.Errorf("syncer: not a snapshot file")
	}
	if data[4] != snapshotVersion {
		return Snapshot{}, fmt.Errorf("syncer: unsupported snapshot version %d", data[4])
	}
	tag := CompressionTag(data[5])
	uncompressedSize := binary.BigEndian.Uint64(data[6:14])
	var storedChecksum [32]byte
	copy(storedChecksum[:], data[14:46])
	compressed := data[headerSize:]

	if snapshotChecksum(compressed) != storedChecksum {
		return Snapshot{}, fmt.Errorf("syncer: snapshot checksum mismatch")
	}
	encoded, err := decompressPayload(compressed, tag, int(uncompressedSize))
	if err != nil {
		return Snapshot{}, fmt.Errorf("syncer: decompressing snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := codec.Unmarshal(encoded, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("syncer: decoding snapshot: %w", err)
	}
	return snapshot, nil
}
