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

// Binary framexml extracts FrameXML files from published World of Warcraft builds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lukegb/framexml/config"
	"github.com/lukegb/framexml/ngdp"
)

func rootCommand() *cobra.Command {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:   "framexml",
		Short: "Extract FrameXML files from CASC builds",
		Long: `framexml resolves the current build of a World of Warcraft product through
the patch service and CDN, and writes the files named by a manifest into a zip
archive per version.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(rootCmd.PersistentFlags())
	// glog registers -v, -logtostderr, -log_dir and friends on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(extractCommand(v))
	rootCmd.AddCommand(versionsCommand(v))
	rootCmd.AddCommand(serveCommand(v))
	return rootCmd
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) (*config.Config, error) {
	// glog reads its settings from the standard flag set, which cobra never parses.
	if err := flag.CommandLine.Parse(nil); err != nil {
		return nil, err
	}
	return config.Load(v, cmd.Flags())
}

func productArg(args []string) ngdp.ProductTag {
	return ngdp.ProductTag(args[0])
}

func main() {
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}
