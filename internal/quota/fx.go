package quota

import (
	"github.com/smallbiznis/tunnelgate/internal/quota/domain"
	"github.com/smallbiznis/tunnelgate/internal/quota/service"
	rollupdomain "github.com/smallbiznis/tunnelgate/internal/rollup/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) rollupdomain.PendingProcessor { return s }),
)
