package delivery

// Dependencies holds the collaborators the message sender routes into.
type Dependencies struct {
	// --- Presence ---
	Presence PresenceChecker

	// --- Storage ---
	Queue QueueStore
	Slots SlotStore

	// --- Push ---
	FCMSender PushSender
	APNSender PushSender
	// Fallback is optional; without it VOIP pushes are sent once.
	Fallback FallbackScheduler
	// Latency is optional.
	Latency LatencyRecorder
	// UnregisteredTokens is optional.
	UnregisteredTokens UnregisteredTokenHandler
}
