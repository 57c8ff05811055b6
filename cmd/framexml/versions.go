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
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lukegb/framexml/ngdp"
)

func versionsCommand(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:     "versions <product-tag>",
		Short:   "Print the deployed version of a product in every region",
		Example: `  framexml versions wow_classic_era`,
		Args:    cobra.ExactArgs(1),
	}

	command.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, cmd)
		if err != nil {
			return err
		}
		product := productArg(args)

		versions, err := cfg.LowLevelClient().Versions(cmd.Context(), product, cfg.Region)
		if err != nil {
			return &ngdp.StageError{Stage: ngdp.StageVersion, Hash: string(product), Err: err}
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "REGION\tVERSION\tBUILD\tBUILD CONFIG\tCDN CONFIG")
		for _, ver := range versions {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%v\n", ver.Region, ver.VersionsName, ver.BuildID, ver.BuildConfig, ver.CDNConfig)
		}
		return tw.Flush()
	}

	return command
}
