// Package dedup tracks which pivot hostnames have already been used for
// expansion. Seen is an atomic check-and-set: the first caller for a
// key gets false and owns the expansion, every later caller gets true.
package dedup

type Interface interface {
	Seen(key string) bool
}
