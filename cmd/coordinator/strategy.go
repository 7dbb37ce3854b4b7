package main

import (
	"fmt"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/pipeline"
)

// strategyFromConfig maps a config file's pipeline.strategy.kind string
// onto the concrete pipeline.Strategy constructor it names.
func strategyFromConfig(cfg config.StrategyConfig) (pipeline.Strategy, error) {
	switch cfg.Kind {
	case "FailFast", "":
		return pipeline.FailFast(), nil
	case "Wait":
		return pipeline.Wait(cfg.WaitFor), nil
	case "DynamicLoad":
		return pipeline.DynamicLoad(), nil
	case "SpawnNodes":
		return pipeline.SpawnNodes(), nil
	case "Adaptive":
		return pipeline.Adaptive(), nil
	default:
		return pipeline.Strategy{}, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
}
