//go:build !linux

package safety

// probePower reports unknown; the battery advisory then stays silent.
// Non-Linux power probing would need platform APIs this core does not wrap.
func probePower() PowerStatus {
	return PowerStatus{}
}
