package healthchecker

import (
	"context"

	"github.com/shopfront/autopilot/internal/generation"
	"github.com/shopfront/autopilot/internal/transport"
)

func CheckGeneration(ctx context.Context) error {
	return generation.NewClient(generation.SettingsFromConfig()).Ping(ctx)
}

func CheckGateway(ctx context.Context) error {
	gateway, err := transport.NewGateway(transport.GatewaySettingsFromConfig())
	if err != nil {
		return err
	}

	return gateway.Ping(ctx)
}
