package match

// Static errors in the style of pvpchan: comparable sentinels that handlers
// translate into user-facing events at the boundary.
var (
	ErrInitialization = errf("both player identities are required")
	ErrWrongTurn      = errf("not your turn")
	ErrIllegalMove    = errf("illegal move")
	ErrNotInProgress  = errf("match is not in progress")
	ErrNotParticipant = errf("user is not part of this match")
	ErrRecovery       = errf("match cannot be recovered")
	ErrNoDrawOffer    = errf("no pending draw offer")
	ErrDrawPending    = errf("a draw offer is already pending")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

func errf(s string) error { return staticErr(s) }
