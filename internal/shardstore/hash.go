package shardstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// hashPiece returns the BLAKE3-256 digest of one piece's raw bytes.
func hashPiece(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// infoHashOf computes info_hash = H(filename || size || piece_hashes),
// matching spec.md §4.6 exactly.
func infoHashOf(filename string, size int64, pieceHashes [][32]byte) [32]byte {
	h := blake3.New()
	h.Write([]byte(filename))
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(size))
	h.Write(sizeBuf[:])
	for _, ph := range pieceHashes {
		h.Write(ph[:])
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// WrapCID wraps a BLAKE3-256 digest (an info_hash or a piece hash) as a
// raw-codec CIDv1, the self-describing content-address form every piece
// and file hash is carried as on the wire and in the DHT.
func WrapCID(digest [32]byte) cid.Cid {
	mh, err := multihash.Encode(digest[:], multihash.BLAKE3)
	if err != nil {
		panic(fmt.Sprintf("shardstore: encode multihash: %v", err))
	}
	return cid.NewCidV1(cid.Raw, mh)
}

// HashFile scans a file on disk and builds its FileInfo descriptor,
// reading it piece by piece at PieceSize so arbitrarily large shard files
// never need to be held fully in memory.
func HashFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("shardstore: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return FileInfo{}, fmt.Errorf("shardstore: stat %s: %w", path, err)
	}

	var hashes [][32]byte
	buf := make([]byte, PieceSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			hashes = append(hashes, hashPiece(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return FileInfo{}, fmt.Errorf("shardstore: read %s: %w", path, err)
		}
	}

	name := filepath.Base(path)
	info := FileInfo{
		Filename:    name,
		Size:        st.Size(),
		PieceLength: PieceSize,
		PieceHashes: hashes,
		Path:        path,
	}
	info.InfoHash = infoHashOf(name, info.Size, hashes)
	return info, nil
}
