package metrics

import "go.uber.org/fx"

func Module() fx.Option {
	return fx.Provide(func() *Collector {
		return NewCollector("windlass")
	})
}
