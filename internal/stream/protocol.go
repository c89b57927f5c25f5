// Package stream carries live token data over websockets: the Hub is the
// server-side fan-out, the Manager is the client-side mirror multiplexing
// many logical subscriptions over one shared connection.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/you/swapfeed/internal/token"
)

const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPrice       = "price"
	MsgAnalytics   = "analytics"
)

// ClientMessage is what a viewer sends: a subscribe/unsubscribe intent for
// one token.
type ClientMessage struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

func (m ClientMessage) Key() (token.Key, error) {
	return token.NewKey(m.ChainID, m.Address)
}

// ServerMessage is a data push for one token.
type ServerMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Address string          `json:"address"`
	ChainID int64           `json:"chainId"`
}

func (m ServerMessage) Key() (token.Key, error) {
	return token.NewKey(m.ChainID, m.Address)
}

func newServerMessage(typ string, k token.Key, payload interface{}) (ServerMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return ServerMessage{Type: typ, Data: data, Address: k.Address, ChainID: k.ChainID}, nil
}
