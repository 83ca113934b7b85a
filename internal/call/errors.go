package call

import "errors"

var (
	// ErrAlreadyInCall rejects a start/accept while another call is active.
	ErrAlreadyInCall = errors.New("call: another call is active")

	// ErrPermissionDenied means local camera/mic access failed; terminal
	// for the call attempt.
	ErrPermissionDenied = errors.New("call: local media access denied")

	// ErrJoinTimeout means the signaling topic never confirmed a remote
	// subscriber; the call attempt is aborted before any signal is sent.
	ErrJoinTimeout = errors.New("call: signaling join timed out")

	// ErrNegotiationFailed means the underlying session reported failure.
	ErrNegotiationFailed = errors.New("call: negotiation failed")

	// ErrInvalidState rejects an operation that does not apply to the
	// current call state (accept without ringing, etc).
	ErrInvalidState = errors.New("call: operation not valid in current state")

	// ErrBadTransition guards the state machine against illegal moves.
	ErrBadTransition = errors.New("call: illegal state transition")
)
