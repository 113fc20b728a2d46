package registry

// Identify is the single bus operation discovery needs: issue an
// identification read (FC 0x03 at a well-known register range)
// to address and report what came back. The registry stays decoupled
// from the bus/modbus packages; the Orchestrator supplies the closure
// that actually talks to the wire.
type Identify func(address uint8) (ok bool, kind Kind, version string, err error)

// Sweep probes every address in rng through identify. A failure (or no
// response) just means "nothing here, try the next one" rather than
// aborting the whole sweep.
//
// It returns the number of newly- or still-online addresses found.
func (r *Registry) Sweep(rng SweepRange, identify Identify) (onlineCount int, err error) {
	for _, addr := range rng.Addresses() {
		ok, kind, version, ierr := identify(addr)
		if ierr != nil || !ok {
			r.MarkOffline(addr)
			continue
		}
		r.MarkOnline(addr, kind, version)
		onlineCount++
	}
	return onlineCount, nil
}
