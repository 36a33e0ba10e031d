// Package control implements the control-plane convention layered over the
// broker wire format: every module advertises a <name>.config.in /
// <name>.config.out feed pair, receives commands as publishes on
// config.in, and replies as {"ok":...} JSON objects published to
// config.out.
package control

import "encoding/json"

// Msg is the envelope every frame on the broker carries. Fields that don't
// apply to a given Type are left zero/empty; this mirrors the original's
// "one loose JSON object, four known shapes" wire convention rather than a
// tagged union, since a third party pushing pure stdlib-`encoding/json` on
// an informally-typed wire format is exactly what the original's own
// comments describe ("tiny JSON helpers... suitable for PoC").
type Msg struct {
	Type string          `json:"type"`
	Feed string          `json:"feed,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CreateFeedMsg builds a {"type":"create_feed","feed":...} frame.
func CreateFeedMsg(feed string) Msg {
	return Msg{Type: "create_feed", Feed: feed}
}

// SubscribeMsg builds a {"type":"subscribe","feed":...} frame.
func SubscribeMsg(feed string) Msg {
	return Msg{Type: "subscribe", Feed: feed}
}

// UnsubscribeMsg builds a {"type":"unsubscribe","feed":...} frame.
func UnsubscribeMsg(feed string) Msg {
	return Msg{Type: "unsubscribe", Feed: feed}
}

// PublishMsg builds a {"type":"publish","feed":...,"data":...} frame. data
// is marshaled as JSON.
func PublishMsg(feed string, data any) (Msg, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Msg{}, err
	}
	return Msg{Type: "publish", Feed: feed, Data: raw}, nil
}

// PublishTextMsg builds a publish frame whose data is {"txt": text}, the
// wire shape ph_publish_txt uses for plain-text payloads.
func PublishTextMsg(feed, text string) (Msg, error) {
	return PublishMsg(feed, struct {
		Txt string `json:"txt"`
	}{Txt: text})
}

// CommandMsg builds a {"type":"command","feed":...,"data":"<cmdline>"}
// frame: cmd travels as a JSON string, not a nested object.
func CommandMsg(feed, cmd string) (Msg, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return Msg{}, err
	}
	return Msg{Type: "command", Feed: feed, Data: raw}, nil
}

// Reply is the {"ok":bool,...} shape every addon publishes to its
// config.out feed.
type Reply struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg,omitempty"`
	Err string `json:"err,omitempty"`
}
