package pipeline

// State is the per-request pipeline phase. Transitions are strictly
// sequential: Validating → Extracting → Converting → Packaging → Done, with
// Failed reachable from every non-terminal state. A Pipeline instance serves
// exactly one request, so states never interleave across requests.
type State string

const (
	StateValidating State = "validating"
	StateExtracting State = "extracting"
	StateConverting State = "converting"
	StatePackaging  State = "packaging"
	StateDone       State = "done"
	StateFailed     State = "failed"
)
