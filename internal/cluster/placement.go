package cluster

import "hash/fnv"

// ReplicationTargets picks r members for key from members, which must be
// sorted by NodeID. Placement starts at fnv32a(key) mod n and wraps around;
// r is capped at n. Adding or removing a member shifts only the keys whose
// start index or window crosses it.
func ReplicationTargets(members []Member, key string, r int) []Member {
	n := len(members)
	if n == 0 || r <= 0 {
		return nil
	}
	if r > n {
		r = n
	}
	start := int(hashKey(key) % uint32(n))
	out := make([]Member, 0, r)
	for i := 0; i < r; i++ {
		out = append(out, members[(start+i)%n])
	}
	return out
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
