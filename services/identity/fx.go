package identity

import (
	"go.uber.org/fx"
)

var Module = fx.Module("identity.module",
	fx.Provide(
		NewTokenStore,
		NewGate,
	),
)
