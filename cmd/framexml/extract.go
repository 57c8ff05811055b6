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
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lukegb/framexml/archive"
	"github.com/lukegb/framexml/extract"
	"github.com/lukegb/framexml/manifest"
	"github.com/lukegb/framexml/ngdp/client"
)

func extractCommand(v *viper.Viper) *cobra.Command {
	var fdids []uint

	command := &cobra.Command{
		Use:   "extract <product-tag>",
		Short: "Extract the manifest's files from the current build of a product",
		Example: `  framexml extract wow_classic_era --manifest framexml.yaml
  framexml extract wow --fdid 1234,5678 --output-dir out`,
		Args: cobra.ExactArgs(1),
	}
	command.Flags().UintSliceVar(&fdids, "fdid", nil, "FileDataIDs to extract when no manifest is given")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, cmd)
		if err != nil {
			return err
		}
		product := productArg(args)

		var m *manifest.Manifest
		switch {
		case cfg.Manifest != "":
			if m, err = manifest.LoadFile(cfg.Manifest); err != nil {
				return err
			}
		case len(fdids) > 0:
			ids := make([]uint32, len(fdids))
			for n, id := range fdids {
				ids[n] = uint32(id)
			}
			m = manifest.FromIDs(ids)
		default:
			return errors.New("one of --manifest or --fdid is required")
		}

		ctx := cmd.Context()
		c, err := client.New(ctx, cfg.LowLevelClient(), product, cfg.Region)
		if err != nil {
			return err
		}
		c.Locale = cfg.Locale
		c.Loose = cfg.Loose

		bar := progressbar.Default(int64(m.Len()), "extracting")
		results := extract.Extract(ctx, c, m.IDs(), extract.Options{
			Workers: cfg.Workers,
			Decode:  true,
			OnResult: func(extract.Result) {
				bar.Add(1)
			},
		})
		bar.Finish()

		name := archive.FileName(product, c.VersionInfo)
		s, err := archive.WriteFile(cfg.OutputDir, name, m, results)
		if err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}

		for _, r := range s.Failed {
			fmt.Fprintf(os.Stderr, "%v\n", r.Err)
		}
		fmt.Printf("%s %s: wrote %d of %d files (%s) to %s\n", product, c.VersionInfo.VersionsName, s.Files, m.Len(), humanize.Bytes(s.Bytes), name)
		if len(s.Failed) > 0 {
			glog.Warningf("%d files could not be extracted", len(s.Failed))
		}
		return nil
	}

	return command
}
