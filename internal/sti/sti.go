// Package sti derives the deterministic sender transport identifier
// each simulated UE picks at startup from its node name, per spec §3.
package sti

import "hash/fnv"

// FromNodeName hashes name into a 64-bit STI. Using FNV-1a keeps the
// value stable across runs (so repeated launches of the same UE node
// name reuse the same radio identity) while differing widely between
// node names.
func FromNodeName(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}
