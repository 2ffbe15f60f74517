package integration

import (
	"context"
	"strings"
)

const FeatureMpesa = "mpesa"

type FeatureGate interface {
	Enabled(ctx context.Context, feature string) bool
}

// StaticGate enables every feature except the ones listed as disabled.
type StaticGate struct {
	disabled map[string]struct{}
}

// NewStaticGate parses a comma separated list such as "mpesa,loyalty".
func NewStaticGate(disabledCSV string) StaticGate {
	gate := StaticGate{disabled: map[string]struct{}{}}
	for _, name := range strings.Split(disabledCSV, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			gate.disabled[name] = struct{}{}
		}
	}
	return gate
}

func (g StaticGate) Enabled(_ context.Context, feature string) bool {
	_, off := g.disabled[strings.ToLower(feature)]
	return !off
}
