package schema

// AgentID identifies a workspace agent to the hub.
type AgentID string

// TabID identifies a hub-visible terminal tab. Chosen by the hub,
// stable for the life of the tab.
type TabID string

// WindowIndex is the tmux-assigned index of the window backing a tab.
// Unlike TabID it is locally assigned and may be renumbered by tmux.
type WindowIndex int

// TabState describes one tab in a heartbeat roster or recovery snapshot.
type TabState struct {
	TabID       TabID       `json:"tab_id"`
	WindowIndex WindowIndex `json:"window_index"`
	Ended       bool        `json:"ended"`
	Buffered    bool        `json:"buffered"`
	Recovered   bool        `json:"recovered,omitempty"`
}
