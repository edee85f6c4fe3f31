package types

// OperationState tracks which user operation a poll session is running. At
// most one operation per poll runs at a time.
type OperationState uint8

const (
	OperationIdle = OperationState(iota)
	OperationVoting
	OperationEnding
	OperationDecrypting
	OperationPublishing
	// OperationCreating is only used by the poll creation form.
	OperationCreating
)

var operationNames = map[OperationState]string{
	OperationIdle:       "idle",
	OperationVoting:     "voting",
	OperationEnding:     "ending",
	OperationDecrypting: "decrypting",
	OperationPublishing: "publishing",
	OperationCreating:   "creating",
}

func (o OperationState) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the operation state as its name.
func (o OperationState) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Busy reports whether an operation is in flight.
func (o OperationState) Busy() bool {
	return o != OperationIdle
}
