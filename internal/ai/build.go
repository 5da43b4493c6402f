package ai

import (
	"fmt"
	"strings"

	"github.com/xxxsen/markkb/internal/config"
)

// NewGatewayFromConfig creates every configured provider and binds the
// configured routes to them.
func NewGatewayFromConfig(cfg config.AIConfig, opts ...GatewayOption) (*Gateway, error) {
	providers := make(map[string]IProvider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc.Type, pc.Data)
		if err != nil {
			return nil, fmt.Errorf("init ai provider %s: %w", pc.Name, err)
		}
		providers[pc.Name] = p
	}
	routes := make(map[LogicalPhase][]Route, len(cfg.Routes))
	for phase, list := range cfg.Routes {
		key := LogicalPhase(strings.ToLower(strings.TrimSpace(phase)))
		if !knownPhase(key) {
			return nil, fmt.Errorf("unknown ai phase: %s", phase)
		}
		for _, rc := range list {
			routes[key] = append(routes[key], Route{
				Provider: rc.Provider,
				Model:    rc.Model,
				Params: Params{
					Temperature: rc.Temperature,
					MaxTokens:   rc.MaxTokens,
					JSON:        rc.JSON,
				},
			})
		}
	}
	return NewGateway(providers, routes, opts...)
}

func knownPhase(phase LogicalPhase) bool {
	for _, p := range LogicalPhases {
		if p == phase {
			return true
		}
	}
	return false
}
