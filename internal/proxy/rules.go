package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/serphen/roborock-offline/internal/protocol"
)

// RewriteFunc synthesizes the reply for an intercepted request. It sees only
// the request and the rule's own configuration; no robot state is consulted.
type RewriteFunc func(req protocol.Message) (protocol.Message, error)

// RuleTable maps an RPC method to its rewrite. Static after startup, so
// lookups need no locking. Any method absent here is passed through
// untouched; that default is what keeps unknown traffic safe.
type RuleTable map[string]RewriteFunc

// Lookup returns the rewrite for method, if one is registered.
func (rt RuleTable) Lookup(method string) (RewriteFunc, bool) {
	fn, ok := rt[method]
	return fn, ok
}

// turnResult is the body the app expects from get_turn_server.
type turnResult struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pwd  string `json:"pwd"`
}

// TurnServerRule answers get_turn_server with the bridge's own relay
// coordinates instead of the cloud's, keeping the video peering on the LAN.
func TurnServerRule(turnURL, user, password string) RewriteFunc {
	return func(req protocol.Message) (protocol.Message, error) {
		result, err := json.Marshal(turnResult{URL: turnURL, User: user, Pwd: password})
		if err != nil {
			return protocol.Message{}, fmt.Errorf("marshal turn result: %w", err)
		}
		return protocol.Message{
			ID:      req.ID,
			Result:  result,
			Wrapped: req.Wrapped,
		}, nil
	}
}

// DefaultRules is the interception universe known to work against deployed
// firmware. Extend incrementally; passthrough covers everything else.
func DefaultRules(turnURL, user, password string) RuleTable {
	return RuleTable{
		"get_turn_server": TurnServerRule(turnURL, user, password),
	}
}
