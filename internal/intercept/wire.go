package intercept

import "encoding/json"

// sessionNewResult is the subset of a session/new response result the
// pipeline cares about: the agent-chosen session
// id (spec §3.1 "agent-session id").
type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// promptParams is the subset of a session/prompt request's params the
// pipeline inspects to synthesize user-message notifications (spec
// §4.8.1 "prompt (text send)").
type promptParams struct {
	SessionID string       `json:"sessionId"`
	Prompt    []promptPart `json:"prompt"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// loadParams is the subset of a session/load request's params the
// pipeline inspects to look up an existing Replay Buffer.
type loadParams struct {
	SessionID string `json:"sessionId"`
}

// userMessageUpdate is the shape of the synthetic notification the
// broker constructs for each text part of a forwarded prompt, mirroring
// the subprocess's own session/update notifications closely enough
// that a replaying client cannot tell the two apart (spec §4.6).
type userMessageUpdate struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"update"`
}

func newUserMessageUpdate(sessionID, text string) *userMessageUpdate {
	u := &userMessageUpdate{SessionID: sessionID}
	u.Update.SessionUpdate = "user_message_chunk"
	u.Update.Content.Type = "text"
	u.Update.Content.Text = text
	return u
}

func decodeSessionID(result json.RawMessage) string {
	var r sessionNewResult
	if len(result) == 0 {
		return ""
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return ""
	}
	return r.SessionID
}
