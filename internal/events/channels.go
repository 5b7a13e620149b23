package events

// Normative channel names. Builders cover the parameterized ones.
const (
	ChannelCoreSignal        = "titan:core:signal"
	ChannelConflicts         = "titan:conflicts"
	ChannelCommanderOverride = "titan:commander_override"
	ChannelControlManual     = "titan:control:manual"
	ChannelRestartQueue      = "titan:restart_queue"
	ChannelAlert             = "titan:alert"
	ChannelReinjected        = "titan:signal:reinjected"
	ChannelChaosDirectives   = "titan:chaos:directives"
	ChannelViolations        = "titan:infra:registry:violations"
	ChannelLifecycle         = "titan:infra:lifecycle"
	ChannelExecutionOrders   = "titan:execution:orders"
	ChannelExecutionResults  = "titan:execution:results"
	ChannelTradeAccounted    = "titan:trade:accounted"
	ChannelNews              = "titan:infra:news"
)

// PipelineChannel names a stage's downstream channel.
func PipelineChannel(stage string) string {
	return "titan:signal:pipeline:" + stage
}

// RawSignalChannel names a tenant's emitter channel.
func RawSignalChannel(tenant string) string {
	return "titan:" + tenant + ":signal:raw"
}

// ModeChannel names the per-tenant mode broadcast channel.
func ModeChannel(tenant string) string {
	return "titan:mode:" + tenant
}

// TenantControlChannel names the tenant-scoped control broadcast used by the
// kill-switches.
func TenantControlChannel(tenant string) string {
	return "titan:prod:" + tenant + ":control"
}

// ProfitChannel names a profit bucket's allocation channel.
func ProfitChannel(bucket string) string {
	return "titan:profit:" + bucket
}

// CapitalChannel names the per-tenant capital book broadcast. Like the mode
// channel it shares its name with the backing key.
func CapitalChannel(tenant string) string {
	return "titan:" + tenant + ":capital:book"
}
