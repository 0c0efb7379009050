package repair

import (
	"fmt"
	"strings"
)

// Phase is the state of a repair session.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseDiagnosing     Phase = "diagnosing"
	PhaseTier1Local     Phase = "tier1_local"
	PhaseTier2LocalAlt  Phase = "tier2_local_alt"
	PhaseTier3Remote    Phase = "tier3_remote"
	PhaseTier4RemoteAlt Phase = "tier4_remote_alt"
	PhaseFallback       Phase = "fallback"
	PhaseVerifying      Phase = "verifying"
	PhaseSuccess        Phase = "success"
	PhaseFatal          Phase = "fatal"
)

func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "":
		return PhaseIdle, nil
	case "diagnosing":
		return PhaseDiagnosing, nil
	case "tier1_local", "tier1", "local":
		return PhaseTier1Local, nil
	case "tier2_local_alt", "tier2", "local_alt":
		return PhaseTier2LocalAlt, nil
	case "tier3_remote", "tier3", "remote":
		return PhaseTier3Remote, nil
	case "tier4_remote_alt", "tier4", "remote_alt":
		return PhaseTier4RemoteAlt, nil
	case "fallback":
		return PhaseFallback, nil
	case "verifying":
		return PhaseVerifying, nil
	case "success", "ok":
		return PhaseSuccess, nil
	case "fatal", "failed":
		return PhaseFatal, nil
	default:
		return "", fmt.Errorf("invalid repair phase: %q", s)
	}
}

// Terminal reports whether no further transitions follow.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFatal
}

// Tier numbers as recorded in attempt telemetry. Fallback is not a tier: its
// attempts carry tier 0 and the tier name "fallback".
const (
	TierFallback  = 0
	TierLocal     = 1
	TierLocalAlt  = 2
	TierRemote    = 3
	TierRemoteAlt = 4
)

var tierNames = map[int]string{
	TierLocal:     "local",
	TierLocalAlt:  "local_alt",
	TierRemote:    "remote",
	TierRemoteAlt: "remote_alt",
	TierFallback:  "fallback",
}

var tierPhases = map[int]Phase{
	TierLocal:     PhaseTier1Local,
	TierLocalAlt:  PhaseTier2LocalAlt,
	TierRemote:    PhaseTier3Remote,
	TierRemoteAlt: PhaseTier4RemoteAlt,
	TierFallback:  PhaseFallback,
}

// TierName returns the telemetry name of a tier.
func TierName(tier int) string {
	if n, ok := tierNames[tier]; ok {
		return n
	}
	return fmt.Sprintf("tier%d", tier)
}
