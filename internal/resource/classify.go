package resource

// Transience is the polling-relevant category of a resource state.
type Transience int

const (
	// Stable states need no further polling.
	Stable Transience = iota
	// Transient states are mid-transition and warrant continued polling.
	Transient
)

func (t Transience) String() string {
	if t == Transient {
		return "TRANSIENT"
	}
	return "STABLE"
}

// transienceByKind enumerates every known state per kind. Adding a resource
// kind means adding a table entry here, nothing else. States absent from the
// table are unknown: classified Stable so an unrecognized string can never
// keep a polling loop alive forever, but reported back to the caller.
var transienceByKind = map[Kind]map[State]Transience{
	KindCluster: {
		StateProvisioning: Transient,
		StateReconciling:  Transient,
		StateStopping:     Transient,
		StateDeleting:     Transient,
		StateRunning:      Stable,
		StateStopped:      Stable,
		StateError:        Stable,
	},
	KindNodePool: {
		StateProvisioning: Transient,
		StateReconciling:  Transient,
		StateResizing:     Transient,
		StateStopping:     Transient,
		StateDeleting:     Transient,
		StateRunning:      Stable,
		StateStopped:      Stable,
		StateError:        Stable,
	},
}

// Classify maps a resource state to its transience category. It is pure and
// total: unknown kinds or states classify as Stable with known=false, which
// callers surface as a data-quality anomaly rather than treating as healthy.
func Classify(kind Kind, state State) (t Transience, known bool) {
	states, ok := transienceByKind[kind]
	if !ok {
		return Stable, false
	}
	t, ok = states[state]
	if !ok {
		return Stable, false
	}
	return t, true
}
