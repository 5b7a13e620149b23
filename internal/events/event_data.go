package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// LifecycleData contains data for module lifecycle events
type LifecycleData struct {
	Module  string `json:"module"`
	Version string `json:"version,omitempty"`
	Status  string `json:"status"` // "started", "stopped", "failed"
	Reason  string `json:"reason,omitempty"`
}

// EventType returns the event type for LifecycleData
// Note: The actual event type is determined by the Status field
func (d *LifecycleData) EventType() EventType {
	switch d.Status {
	case "stopped":
		return ModuleStopped
	case "failed":
		return ModuleFailed
	default:
		return ModuleStarted
	}
}

// RestartRequestData contains data for RestartRequested events
type RestartRequestData struct {
	Module  string `json:"module"`
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delay_ms"`
	Reason  string `json:"reason,omitempty"`
}

func (d *RestartRequestData) EventType() EventType { return RestartRequested }

// ModuleDroppedData contains data for ModuleDropped events (restart budget
// exhausted)
type ModuleDroppedData struct {
	Module   string `json:"module"`
	Attempts int    `json:"attempts"`
}

func (d *ModuleDroppedData) EventType() EventType { return ModuleDropped }

// ViolationData contains data for ViolationDetected events
type ViolationData struct {
	Module string `json:"module"`
	Target string `json:"target"` // key or channel
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (d *ViolationData) EventType() EventType { return ViolationDetected }

// AlertData contains data for AlertRaised events
type AlertData struct {
	Severity string `json:"severity"` // "warning", "critical"
	Module   string `json:"module"`
	Message  string `json:"message"`
	Kind     string `json:"error_kind,omitempty"`
	SignalID string `json:"signal_id,omitempty"`
}

func (d *AlertData) EventType() EventType { return AlertRaised }

// ModeChangeRequestData contains data for ModeChangeRequested events
type ModeChangeRequestData struct {
	Tenant    string `json:"tenant"`
	Mode      string `json:"mode,omitempty"`
	Persona   string `json:"persona,omitempty"`
	Requester string `json:"requester"`
	Reason    string `json:"reason,omitempty"`
}

func (d *ModeChangeRequestData) EventType() EventType { return ModeChangeRequested }

// ModeChangeData contains data for ModeChanged events
type ModeChangeData struct {
	Tenant  string `json:"tenant"`
	From    string `json:"from"`
	To      string `json:"to"`
	Persona string `json:"persona,omitempty"`
	Version uint64 `json:"version"`
}

func (d *ModeChangeData) EventType() EventType { return ModeChanged }

// CapitalBookData contains data for CapitalBookUpdated events
type CapitalBookData struct {
	Tenant      string             `json:"tenant"`
	Version     uint64             `json:"version"`
	Allocations map[string]float64 `json:"allocations"`
}

func (d *CapitalBookData) EventType() EventType { return CapitalBookUpdated }

// CapitalRedirectData contains data for CapitalRedirected events
type CapitalRedirectData struct {
	Tenant       string   `json:"tenant"`
	Strategy     string   `json:"strategy"`
	MovedPercent float64  `json:"moved_percent"`
	Targets      []string `json:"targets"`
	Version      uint64   `json:"version"`
}

func (d *CapitalRedirectData) EventType() EventType { return CapitalRedirected }

// ProfitRoutedData contains data for ProfitRouted events
type ProfitRoutedData struct {
	Tenant      string  `json:"tenant"`
	SessionDate string  `json:"session_date"`
	Bucket      string  `json:"bucket"`
	Amount      float64 `json:"amount"`
}

func (d *ProfitRoutedData) EventType() EventType { return ProfitRouted }

// SessionClosedData contains data for SessionClosed events
type SessionClosedData struct {
	Tenant      string  `json:"tenant"`
	SessionDate string  `json:"session_date"`
	RealizedPnL float64 `json:"realized_pnl"`
}

func (d *SessionClosedData) EventType() EventType { return SessionClosed }

// TradeAccountedData contains data for TradeAccounted events, published after
// a fill has been journaled and folded into the net position exactly once.
type TradeAccountedData struct {
	SignalID string  `json:"signal_id"`
	Tenant   string  `json:"tenant"`
	Strategy string  `json:"strategy,omitempty"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Fee      float64 `json:"fee"`
	Realized float64 `json:"realized"` // net of fee
	Outcome  string  `json:"outcome"`  // "win", "loss", "flat"
	Position float64 `json:"position"` // net quantity after the fill
	Entry    float64 `json:"entry"`    // weighted entry price after the fill
	Ts       int64   `json:"ts"`       // epoch ms
}

func (d *TradeAccountedData) EventType() EventType { return TradeAccounted }

// ConflictData contains data for ConflictDetected events. Both contested
// signal ids are always listed.
type ConflictData struct {
	Tenant   string `json:"tenant"`
	Symbol   string `json:"symbol"`
	BuyID    string `json:"buy_id"`
	SellID   string `json:"sell_id"`
	WinnerID string `json:"winner_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (d *ConflictData) EventType() EventType { return ConflictDetected }

// SignalDropData contains data for SignalInvalid and SignalDuplicate events
type SignalDropData struct {
	SignalID string `json:"signal_id"`
	Stage    string `json:"stage"`
	Kind     string `json:"kind"` // "invalid" or "duplicate"
	Reason   string `json:"reason,omitempty"`
}

func (d *SignalDropData) EventType() EventType {
	if d.Kind == "duplicate" {
		return SignalDuplicate
	}
	return SignalInvalid
}

// SystemStateData contains data for SystemStateChanged events
type SystemStateData struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause,omitempty"`
}

func (d *SystemStateData) EventType() EventType { return SystemStateChanged }

// ConfigDriftData contains data for ConfigDriftFound events
type ConfigDriftData struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Policy   string `json:"policy"`
}

func (d *ConfigDriftData) EventType() EventType { return ConfigDriftFound }

// FailoverData contains data for FailoverChanged events
type FailoverData struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

func (d *FailoverData) EventType() EventType { return FailoverChanged }

// ChaosDirectiveData contains data for ChaosDirective events
type ChaosDirectiveData struct {
	Tenant     string  `json:"tenant,omitempty"` // empty = all tenants
	Directive  string  `json:"directive"`        // e.g. "reduce_size"
	SizeFactor float64 `json:"size_factor,omitempty"`
	Score      float64 `json:"score"`
}

func (d *ChaosDirectiveData) EventType() EventType { return ChaosDirective }

// RecoveryData contains data for RecoveryCompleted events
type RecoveryData struct {
	Steps      []string `json:"recovery_steps"`
	Outcome    string   `json:"outcome"`
	DurationMs int64    `json:"duration_ms"`
}

func (d *RecoveryData) EventType() EventType { return RecoveryCompleted }

// MacroNewsData contains data for MacroNews events published by the external
// news feed on titan:infra:news
type MacroNewsData struct {
	Headline string   `json:"headline"`
	Impact   string   `json:"impact"` // "low", "medium", "high"
	Source   string   `json:"source,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

func (d *MacroNewsData) EventType() EventType { return MacroNews }

// Event represents an event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for Event
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) == 0 {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case ModuleStarted, ModuleStopped, ModuleFailed:
		eventData = &LifecycleData{}
	case RestartRequested:
		eventData = &RestartRequestData{}
	case ModuleDropped:
		eventData = &ModuleDroppedData{}
	case ViolationDetected:
		eventData = &ViolationData{}
	case AlertRaised:
		eventData = &AlertData{}
	case ModeChangeRequested:
		eventData = &ModeChangeRequestData{}
	case ModeChanged:
		eventData = &ModeChangeData{}
	case CapitalBookUpdated:
		eventData = &CapitalBookData{}
	case CapitalRedirected:
		eventData = &CapitalRedirectData{}
	case ProfitRouted:
		eventData = &ProfitRoutedData{}
	case SessionClosed:
		eventData = &SessionClosedData{}
	case TradeAccounted:
		eventData = &TradeAccountedData{}
	case ConflictDetected:
		eventData = &ConflictData{}
	case SignalInvalid, SignalDuplicate:
		eventData = &SignalDropData{}
	case SystemStateChanged:
		eventData = &SystemStateData{}
	case ConfigDriftFound:
		eventData = &ConfigDriftData{}
	case FailoverChanged:
		eventData = &FailoverData{}
	case ChaosDirective:
		eventData = &ChaosDirectiveData{}
	case RecoveryCompleted:
		eventData = &RecoveryData{}
	case MacroNews:
		eventData = &MacroNewsData{}
	default:
		var rawData map[string]interface{}
		if err := json.Unmarshal(aux.Data, &rawData); err != nil {
			return err
		}
		e.Data = &GenericEventData{Type: aux.Type, Data: rawData}
		return nil
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
