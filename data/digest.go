package data

// Digest is the compact artifact exchanged during gossip: the version each
// side holds for every live entity. Comparing digests tells a peer which
// entries to push back without shipping the entries themselves.
type Digest map[string]uint64

// NeedsEntry reports whether a peer advertising this digest is behind on
// the given entity and should be sent the full entry.
func (digest Digest) NeedsEntry(entityID string, version uint64) bool {
    peerVersion, ok := digest[entityID]

    if !ok {
        return true
    }

    return version > peerVersion
}
