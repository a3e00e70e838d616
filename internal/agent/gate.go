package agent

// GateDecision 是审批闸门对一轮回复的处理结论。
type GateDecision string

// 闸门结论。
const (
	GateNone   GateDecision = "none"
	GateBypass GateDecision = "bypass"
	GateHold   GateDecision = "hold"
)

// Gate 决定提案是否需要人工审批。没有提案时无事可做；
// 自动模式直接放行，否则挂起等待审批。
func Gate(autoExecute, hasProposal bool) GateDecision {
	switch {
	case !hasProposal:
		return GateNone
	case autoExecute:
		return GateBypass
	default:
		return GateHold
	}
}
