// Package intercept implements the Interception Pipeline (C8): the
// fixed, finite set of rules in spec §4.8 that decide, per JSON-RPC
// frame crossing a slot's boundary, whether to forward, short-circuit,
// capture, or replay. Method names are a closed sum handled by a
// single switch, per spec §9 ("dynamic routing by method name...model
// these as a closed sum type with a passthrough catch-all variant").
package intercept

// Method names the broker understands per spec §6.3. Everything else
// is the passthrough catch-all: forwarded unexamined in both
// directions.
const (
	MethodInitialize   = "initialize"     // handshake
	MethodSessionNew   = "session/new"    // agent-session-creation
	MethodSessionLoad  = "session/load"   // agent-session-load
	MethodSessionPrompt = "session/prompt" // prompt-send
	MethodSessionUpdate = "session/update" // notification, buffered into replay

	// Locally-terminated RPCs (spec §6.3): never reach the subprocess.
	MethodShell        = "shell"
	MethodRenameSession = "rename-session"
)
