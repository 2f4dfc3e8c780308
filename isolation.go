package torsion

import (
	"fmt"
)

// IsolationPolicy decides which exchanges are allowed to share a path.
type IsolationPolicy uint8

const (
	// IsolationNone shares one path between all traffic.
	IsolationNone IsolationPolicy = iota

	// IsolationPerClass gives each traffic class its own path.
	IsolationPerClass

	// IsolationPerClassSubtag additionally splits a class by sub-tag
	// (typically the target service).
	IsolationPerClassSubtag
)

func (p IsolationPolicy) String() string {
	switch p {
	case IsolationNone:
		return "none"
	case IsolationPerClass:
		return "per-class"
	case IsolationPerClassSubtag:
		return "per-class-and-subtag"
	default:
		return "unknown"
	}
}

// ParseIsolationPolicy maps the configuration surface's enum spelling to an
// `IsolationPolicy`.
func ParseIsolationPolicy(s string) (IsolationPolicy, error) {
	switch s {
	case "none", "":
		return IsolationNone, nil
	case "per-class":
		return IsolationPerClass, nil
	case "per-class-and-subtag":
		return IsolationPerClassSubtag, nil
	default:
		return IsolationNone, fmt.Errorf("%w: unknown isolation policy %q", ErrInvalidCfg, s)
	}
}

// SessionKey is the grouping identity under which paths are shared.
type SessionKey string

const (
	// GlobalKey is the single key used when isolation is disabled.
	GlobalKey SessionKey = "global"

	// DefaultClassKey is used when a per-class policy receives no class.
	DefaultClassKey SessionKey = "default"
)

// DeriveKey is a pure function from (policy, class, subtag) to the session
// key grouping paths. Absent inputs degrade to broader sharing, never to an
// error: identical inputs always derive the identical key, and distinct
// classes never collide under a per-class policy.
func DeriveKey(policy IsolationPolicy, class, subtag string) SessionKey {
	switch policy {
	case IsolationPerClass:
		if class == "" {
			return DefaultClassKey
		}
		return SessionKey(class)
	case IsolationPerClassSubtag:
		if class != "" && subtag != "" {
			return SessionKey(class + "/" + subtag)
		}
		if class == "" {
			return DefaultClassKey
		}
		return SessionKey(class)
	default:
		return GlobalKey
	}
}
