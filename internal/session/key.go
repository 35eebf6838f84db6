// Package session implements the FIX 4.x session layer: a per-connection
// state machine driving logon, sequencing, heartbeats and gap recovery, the
// parser that dispatches decoded frames into it, and the proxy that emits its
// outbound messages.
package session

import (
	"fmt"

	"github.com/Aidin1998/fixgate/internal/fix"
)

// Key is the composite identity a session is deduplicated by across
// reconnects. Equality and hashing are structural over the three components,
// which are held from the gateway's point of view (SenderCompID is what the
// gateway stamps outbound).
type Key struct {
	SenderCompID string
	SenderSubID  string
	TargetCompID string
}

// Zero reports whether the key is unset.
func (k Key) Zero() bool {
	return k == Key{}
}

func (k Key) String() string {
	if k.SenderSubID == "" {
		return fmt.Sprintf("%s->%s", k.SenderCompID, k.TargetCompID)
	}
	return fmt.Sprintf("%s/%s->%s", k.SenderCompID, k.SenderSubID, k.TargetCompID)
}

// IDStrategy derives session keys from logon information.
type IDStrategy interface {
	// OnAcceptorLogon builds the key for an inbound logon. Implementations
	// view the identity from the gateway side, so sender and target are
	// swapped relative to the received header.
	OnAcceptorLogon(header *fix.Message) Key

	// OnInitiatorLogon builds the key for an outbound logon from configured
	// identifiers.
	OnInitiatorLogon(senderCompID, senderSubID, targetCompID string) Key
}

// SenderTargetAndSubStrategy keys sessions on SenderCompID, SenderSubID and
// TargetCompID.
type SenderTargetAndSubStrategy struct{}

// OnAcceptorLogon swaps the inbound header's sender and target: the peer's
// TargetCompID/TargetSubID identify the gateway, the peer's SenderCompID is
// who the gateway replies to.
func (SenderTargetAndSubStrategy) OnAcceptorLogon(header *fix.Message) Key {
	return Key{
		SenderCompID: header.TargetCompID,
		SenderSubID:  header.TargetSubID,
		TargetCompID: header.SenderCompID,
	}
}

// OnInitiatorLogon uses the configured identifiers verbatim.
func (SenderTargetAndSubStrategy) OnInitiatorLogon(senderCompID, senderSubID, targetCompID string) Key {
	return Key{
		SenderCompID: senderCompID,
		SenderSubID:  senderSubID,
		TargetCompID: targetCompID,
	}
}
