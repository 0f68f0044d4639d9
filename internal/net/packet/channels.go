package packet

// Channels used by the arena protocol.
const (
	ChannelInput      = "input"      // client → server, unreliable
	ChannelTransforms = "transforms" // server → clients, broadcast snapshot + acks
	ChannelFire       = "fire"       // client → server, rewind hit request
	ChannelHit        = "hit"        // server → shooter, hit result
	ChannelWelcome    = "welcome"    // server → client, session assignment
)
