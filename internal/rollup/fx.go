package rollup

import (
	"github.com/smallbiznis/tunnelgate/internal/rollup/repository"
	"github.com/smallbiznis/tunnelgate/internal/rollup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rollup.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
