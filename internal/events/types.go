// Package events provides the typed event envelope published on the
// coordination channels.
package events

// EventType represents different event types
type EventType string

const (
	// Module lifecycle
	ModuleStarted EventType = "MODULE_STARTED"
	ModuleStopped EventType = "MODULE_STOPPED"
	ModuleFailed  EventType = "MODULE_FAILED"

	// Supervision
	RestartRequested  EventType = "RESTART_REQUESTED"
	ModuleDropped     EventType = "MODULE_DROPPED"
	ViolationDetected EventType = "VIOLATION_DETECTED"
	AlertRaised       EventType = "ALERT_RAISED"

	// Mode control
	ModeChangeRequested EventType = "MODE_CHANGE_REQUESTED"
	ModeChanged         EventType = "MODE_CHANGED"

	// Capital
	CapitalBookUpdated EventType = "CAPITAL_BOOK_UPDATED"
	CapitalRedirected  EventType = "CAPITAL_REDIRECTED"
	ProfitRouted       EventType = "PROFIT_ROUTED"
	SessionClosed      EventType = "SESSION_CLOSED"
	TradeAccounted     EventType = "TRADE_ACCOUNTED"

	// Pipeline
	ConflictDetected EventType = "CONFLICT_DETECTED"
	SignalInvalid    EventType = "SIGNAL_INVALID"
	SignalDuplicate  EventType = "SIGNAL_DUPLICATE"

	// System
	SystemStateChanged EventType = "SYSTEM_STATE_CHANGED"
	ConfigDriftFound   EventType = "CONFIG_DRIFT_FOUND"
	FailoverChanged    EventType = "FAILOVER_CHANGED"
	ChaosDirective     EventType = "CHAOS_DIRECTIVE"
	RecoveryCompleted  EventType = "RECOVERY_COMPLETED"
	MacroNews          EventType = "MACRO_NEWS"
)
