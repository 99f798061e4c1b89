package term

// Event is one item in a subscription's ordered stream. The variant set
// is closed: transports construct events only through the types below,
// and wire-facing transports validate frames into them before delivery.
type Event interface {
	isEvent()
}

// Connected signals the stream is live. It is the first event on a
// healthy subscription and is emitted again after an internal reconnect
// succeeds.
type Connected struct{}

// Reconnecting reports that the transport lost the stream and is
// retrying on its own. Informational only: the handle stays valid and
// no caller action is needed.
type Reconnecting struct {
	Attempt     int
	MaxAttempts int
}

// Data carries terminal output. Payloads arrive in emission order and
// never split a UTF-8 sequence.
type Data struct {
	Bytes []byte
}

// Exit reports that the terminal process ended. Exactly one Exit closes
// a healthy stream. ExitCode and Signal are set when the transport
// knows them; a process killed by a signal has Signal and no ExitCode.
type Exit struct {
	ExitCode *int
	Signal   *string
}

func (Connected) isEvent()    {}
func (Reconnecting) isEvent() {}
func (Data) isEvent()         {}
func (Exit) isEvent()         {}
