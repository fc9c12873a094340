// Package agentcard builds the discovery document served at
// /.well-known/agent.json. Remote agents read it to learn the
// transports, capabilities, and skills this server offers.
package agentcard

import (
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain/negotiation"
)

// Transport identifiers advertised in the card.
const (
	TransportJSONRPC = "jsonrpc"
	TransportGRPC    = "grpc"
)

// Interface is one additional endpoint the agent is reachable on.
type Interface struct {
	URL       string `json:"url"`
	Transport string `json:"transport"`
}

// Capabilities flags the optional protocol features this server implements.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
}

// Card is the agent discovery document.
type Card struct {
	Name                 string               `json:"name"`
	Description          string               `json:"description"`
	Version              string               `json:"version"`
	URL                  string               `json:"url"`
	PreferredTransport   string               `json:"preferred_transport"`
	AdditionalInterfaces []Interface          `json:"additional_interfaces,omitempty"`
	Capabilities         Capabilities         `json:"capabilities"`
	DefaultInputModes    []string             `json:"default_input_modes"`
	DefaultOutputModes   []string             `json:"default_output_modes"`
	Skills               []negotiation.Skill  `json:"skills"`
}

// Skills converts the configured skill list into the negotiation
// catalog. The same catalog backs the card and the scoring engine so
// what the agent advertises is what it scores against.
func Skills(cfg []config.AgentSkill) []negotiation.Skill {
	out := make([]negotiation.Skill, 0, len(cfg))
	for _, s := range cfg {
		out = append(out, negotiation.Skill{
			ID:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			Tags:         s.Tags,
			InputModes:   s.InputModes,
			OutputModes:  s.OutputModes,
			Tools:        s.Tools,
			CostPerCall:  s.CostPerCall,
			P95LatencyMS: s.P95LatencyMS,
		})
	}
	return out
}

// Build assembles the card. grpcURL may be empty when the gRPC
// listener is disabled.
func Build(agent config.Agent, grpcURL string) Card {
	card := Card{
		Name:               agent.Name,
		Description:        agent.Description,
		Version:            agent.Version,
		URL:                agent.URL,
		PreferredTransport: TransportJSONRPC,
		Capabilities: Capabilities{
			Streaming:         true,
			PushNotifications: true,
		},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             Skills(agent.Skills),
	}
	if grpcURL != "" {
		card.AdditionalInterfaces = append(card.AdditionalInterfaces, Interface{
			URL:       grpcURL,
			Transport: TransportGRPC,
		})
	}
	return card
}
