package partition

import (
	"github.com/smallbiznis/tunnelgate/internal/partition/repository"
	"github.com/smallbiznis/tunnelgate/internal/partition/service"
	"go.uber.org/fx"
)

var Module = fx.Module("partition.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
