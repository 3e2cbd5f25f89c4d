package message

// Fault is a processing failure attached to a message.
type Fault struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause == nil {
		return f.Message
	}
	return f.Message + ": " + f.Cause.Error()
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// FaultHandler receives failures raised while a stage processed a message.
// Handlers decide how the failure is presented; stages never render responses.
type FaultHandler interface {
	HandleFault(mc *Context, msg string, cause error)
}

// FaultRecorder stores the fault on the message-level scope so the transport
// surface can render it after the stage returns.
type FaultRecorder struct{}

// HandleFault implements FaultHandler.
func (FaultRecorder) HandleFault(mc *Context, msg string, cause error) {
	mc.Properties.Set(KeyFault, &Fault{Message: msg, Cause: cause})
}
