package data

import (
    "crypto/md5"
    "encoding/binary"
    "encoding/hex"
    . "github.com/PelionIoT/servicedir/error"
)

const (
    HASH_SIZE_BYTES = 16
)

type Hash struct {
    hash [2]uint64
}

func NewHash(input []byte) Hash {
    var newHash Hash

    sum := md5.Sum(input)

    newHash.hash[0] = binary.BigEndian.Uint64(sum[0:8])
    newHash.hash[1] = binary.BigEndian.Uint64(sum[8:16])

    return newHash
}

// ParseHash decodes the hex form produced by Hex. It is used when
// rebuilding a merkle tree from a peer's serialized leaf list.
func ParseHash(encoded string) (Hash, error) {
    var hash Hash

    raw, err := hex.DecodeString(encoded)

    if err != nil || len(raw) != HASH_SIZE_BYTES {
        return hash, EMerkleLeaves
    }

    hash.hash[0] = binary.BigEndian.Uint64(raw[0:8])
    hash.hash[1] = binary.BigEndian.Uint64(raw[8:16])

    return hash, nil
}

func (hash Hash) Xor(otherHash Hash) Hash {
    return Hash{[2]uint64{ hash.hash[0] ^ otherHash.hash[0], hash.hash[1] ^ otherHash.hash[1] }}
}

func (hash Hash) Bytes() [16]byte {
    var result [16]byte

    binary.BigEndian.PutUint64(result[0:8], hash.hash[0])
    binary.BigEndian.PutUint64(result[8:16], hash.hash[1])

    return result
}

func (hash Hash) Hex() string {
    bytes := hash.Bytes()

    return hex.EncodeToString(bytes[:])
}

func (hash Hash) Low() uint64 {
    return hash.hash[0]
}

func (hash Hash) High() uint64 {
    return hash.hash[1]
}
