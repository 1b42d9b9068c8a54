package leaudio

// Policy is the stored connection policy for a (peer, profile) pair.
type Policy int

const (
	PolicyUnknown Policy = iota
	PolicyAllowed
	PolicyForbidden
)

func (p Policy) String() string {
	switch p {
	case PolicyAllowed:
		return "allowed"
	case PolicyForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// ProfileID names a profile for policy bookkeeping.
type ProfileID int

const (
	ProfileCSIPSetCoordinator ProfileID = iota + 1
	ProfileBassClient
	ProfileLEAudio
)

func (p ProfileID) String() string {
	switch p {
	case ProfileCSIPSetCoordinator:
		return "csip set coordinator"
	case ProfileBassClient:
		return "bass client"
	case ProfileLEAudio:
		return "le audio"
	default:
		return "unknown"
	}
}

// PolicyStore persists connection policies keyed by (peer, profile).
type PolicyStore interface {
	ConnectionPolicy(p Addr, profile ProfileID) Policy
	SetConnectionPolicy(p Addr, profile ProfileID, policy Policy) error
}
