package loader

import "fmt"

// RestrictionSet names the blobs whose addresses will be patched into
// fields narrower than a full 8-byte pointer, and which therefore must be
// allocated below the 32-bit address ceiling. The restriction is a
// property of the whole script, not of declaration order: an allocate
// command may precede the pointer command that restricts it. The set is
// built once, before any allocation, and never mutated afterwards.
type RestrictionSet map[string]struct{}

// CollectRestrictions scans the full command sequence for add-pointer
// commands with a sub-8-byte pointer field and collects their pointee
// names. Re-restricting a name is idempotent. An unterminated pointee
// name buffer fails the whole script.
func CollectRestrictions(cmds []Command) (RestrictionSet, error) {
	set := make(RestrictionSet)
	for i := range cmds {
		if cmds[i].Type != CmdAddPointer {
			continue
		}
		ptr := &cmds[i].Pointer
		if ptr.PointerSize >= 8 {
			continue
		}
		if !ptr.PointeeFile.Terminated() {
			return nil, fmt.Errorf("loader: unterminated pointee file name: %w", ErrFormat)
		}
		name := ptr.PointeeFile.String()
		if _, ok := set[name]; !ok {
			log.Debugf("restricting blob %q from 64-bit allocation", name)
			set[name] = struct{}{}
		}
	}
	return set, nil
}

// Restricted reports whether name must stay below the 32-bit ceiling.
func (s RestrictionSet) Restricted(name string) bool {
	_, ok := s[name]
	return ok
}
