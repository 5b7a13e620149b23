package signal

import (
	"encoding/json"
	"time"
)

// TradeEvent is the executor's fill report.
type TradeEvent struct {
	SignalID string  `json:"signal_id"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Fee      float64 `json:"fee"`
	Ts       int64   `json:"ts"` // epoch ms
	// Expected carries the routed signal's price for slippage comparison;
	// zero when the signal was unpriced.
	Expected float64 `json:"expected,omitempty"`
	TenantID string  `json:"tenant_id,omitempty"`
	Strategy string  `json:"strategy,omitempty"`
}

// FailureEvent is the executor's placement failure report.
type FailureEvent struct {
	SignalID string `json:"signal_id"`
	Reason   string `json:"reason"`
	Kind     string `json:"error_kind,omitempty"`
	Ts       int64  `json:"ts"`
}

// ControlMessage is the {action, args} document on control channels.
type ControlMessage struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// Control actions understood on titan:control:manual.
const (
	ActionHalt           = "halt"
	ActionFlush          = "flush"
	ActionRestart        = "restart"
	ActionAdjustCapital  = "adjust_capital"
	ActionSetPersona     = "set_persona"
	ActionSetMorphicMode = "set_morphic_mode"
	ActionHibernate      = "hibernate"
	ActionResume         = "resume"
	ActionLiquidateAll   = "liquidate_all"
)

// NewControl builds a control message.
func NewControl(action string, args map[string]string) ControlMessage {
	return ControlMessage{Action: action, Args: args}
}

// Encode renders the control message.
func (m ControlMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeControl parses a control message.
func DecodeControl(raw []byte) (ControlMessage, error) {
	var m ControlMessage
	err := json.Unmarshal(raw, &m)
	return m, err
}

// DecodeTrade parses a trade event.
func DecodeTrade(raw []byte) (TradeEvent, error) {
	var e TradeEvent
	err := json.Unmarshal(raw, &e)
	return e, err
}

// DecodeFailure parses a failure event.
func DecodeFailure(raw []byte) (FailureEvent, error) {
	var e FailureEvent
	err := json.Unmarshal(raw, &e)
	return e, err
}

// NewTrade builds a trade event stamped now.
func NewTrade(signalID, symbol string, side Side, price, quantity, fee float64) TradeEvent {
	return TradeEvent{
		SignalID: signalID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Fee:      fee,
		Ts:       time.Now().UnixMilli(),
	}
}
