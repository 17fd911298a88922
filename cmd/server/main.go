// Package main runs the privacy-preserving CCTV recording service: it wires
// the recording pipeline to the HTTP control API and serves until signalled.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/camm-cisco-hackathon/cctv-encrypt/config"
	"github.com/camm-cisco-hackathon/cctv-encrypt/pipeline"
	"github.com/camm-cisco-hackathon/cctv-encrypt/web"
)

var logger = golog.NewDevelopmentLogger("cctv_encrypt")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile  string `flag:"0,required,usage=service config file"`
	BindAddress string `flag:"bind,usage=control api address (overrides config)"`
	Autostart   bool   `flag:"autostart,usage=begin recording immediately"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg, err := config.Read(argsParsed.ConfigFile, logger)
	if err != nil {
		return err
	}
	if argsParsed.BindAddress != "" {
		cfg.Web.BindAddress = argsParsed.BindAddress
	}

	ctrl, err := pipeline.New(pipeline.Params{Config: *cfg, Logger: logger.Named("pipeline")})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(context.Background()))
	}()

	svc := web.New(ctrl, logger.Named("web"))
	if err := svc.Start(ctx, cfg.Web.BindAddress); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, svc.Stop(context.Background()))
	}()

	if argsParsed.Autostart {
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}
