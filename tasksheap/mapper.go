package tasksheap

import (
	"hash/fnv"

	"github.com/cockroachdb/errors"
)

// ConstantMapper is the trivial GroupMapperFunction: every task maps to
// GroupAny, so Take's groups filter never excludes anything. This is the
// default when tasks.groupmapper is unset or set to "constant".
func ConstantMapper(int64, int32, string) int32 {
	return GroupAny
}

// ByUserMapper derives a stable, deterministic group id from a task's
// userId alone, independent of process, via FNV-1a. It is the reference
// implementation of the pluggable GroupMapperFunction contract (spec.md
// §6): deterministic and side-effect-free.
func ByUserMapper(_ int64, _ int32, userID string) int32 {
	if userID == "" {
		return GroupAny
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	// Mask off the sign bit so the result is never confused with the
	// negative GroupAny sentinel.
	return int32(h.Sum32() & 0x7fffffff)
}

// ResolveMapper looks up a GroupMapperFunction by the identifier named in
// tasks.groupmapper (spec.md §6). Real deployments would register their
// own user-code mapper here; this repo ships the two reference
// implementations above.
func ResolveMapper(name string) (GroupMapperFunction, error) {
	switch name {
	case "", "constant":
		return ConstantMapper, nil
	case "byUser":
		return ByUserMapper, nil
	default:
		return nil, errors.Newf("tasksheap: unknown group mapper %q", name)
	}
}
