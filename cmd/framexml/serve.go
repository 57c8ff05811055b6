/*
Copyright 2017 Luke Granger-Brown

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lukegb/framexml/server"
)

func serveCommand(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "serve",
		Short: "Track products and serve their files over HTTP",
		Args:  cobra.NoArgs,
	}

	command.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, cmd)
		if err != nil {
			return err
		}
		if len(cfg.Products) == 0 {
			return errors.New("no products to track")
		}

		ds := server.NewDatastore(cfg.LowLevelClient(), cfg.Region)
		ds.Locale = cfg.Locale
		ds.Loose = cfg.Loose
		for _, product := range cfg.Products {
			ds.Track(product)
		}

		ctx := cmd.Context()
		glog.Info("Performing initial datastore update...")
		ds.Update(ctx)
		go ds.Run(ctx, cfg.UpdateInterval)

		srv := &http.Server{Addr: cfg.Listen, Handler: server.New(ds)}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()

		glog.Infof("Listening on %q", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	return command
}
