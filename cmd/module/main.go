// Package main is the module entry point for the pose fusion movement sensor.
package main

import (
	"context"

	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"

	"github.com/viam-labs/pose-fusion/fusion"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewLogger("pose-fusion"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	mod, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = mod.AddModelFromRegistry(ctx, movementsensor.API, fusion.Model); err != nil {
		return err
	}

	if err = mod.Start(ctx); err != nil {
		return err
	}
	defer mod.Close(ctx)
	<-ctx.Done()
	return nil
}
