/**
 * Copyright 2026 kmeaw
 *
 * Licensed under the GNU Affero General Public License (AGPL).
 *
 * This program is free software: you can redistribute it and/or modify it
 * under the terms of the GNU Affero General Public License as published by the
 * Free Software Foundation, version 3 of the License.
 *
 * This program is distributed in the hope that it will be useful, but WITHOUT
 * ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
 * FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
 * for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"mempatch/internal/manager"
)

func main() {
	var configDir string
	var launch bool
	var acceptLoop bool
	var webAddr string

	root := &cobra.Command{
		Use:   "mempatch-manager",
		Short: "Runtime binary-patching manager",
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "settings directory (default: user config dir)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Listen for cores and serve the control UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := manager.NewSettings(configDir)
			if err != nil {
				return err
			}
			if err := settings.Load(); err != nil {
				return err
			}
			defer settings.Save()

			logger := manager.NewLogger()
			logger.AddHandler(manager.ConsoleHandler)

			cores := manager.NewCoreManager(logger, settings)
			plugins := manager.NewPluginManager(cores)
			patches := manager.NewPatchManager(logger, settings, cores, plugins)

			if err := cores.Listen(""); err != nil {
				return err
			}
			defer cores.Close()
			logger.Writef(manager.SeverityNotice, "listening for cores on %s", cores.Addr())

			if launch {
				id, err := cores.StartCore()
				if err != nil {
					return fmt.Errorf("cannot start target: %w", err)
				}
				logger.Writef(manager.SeverityNotice, "target started as core #%d", id)
			}
			if acceptLoop {
				go func() {
					coreName := "lib" + settings.Get("CoreManager.coreLibrary") + ".so"
					for {
						if _, err := cores.AcceptCore(coreName, 0, nil); err != nil {
							logger.Writef(manager.SeverityWarning, "accept: %s", err)
							return
						}
					}
				}()
			}

			if webAddr == "" {
				webAddr = settings.Get("manager.webAddress")
			}
			logger.Writef(manager.SeverityNotice, "control UI on http://%s", webAddr)
			return manager.NewRouter(logger, settings, cores, patches, plugins).Run(webAddr)
		},
	}
	run.Flags().BoolVar(&launch, "launch", false, "launch the configured target immediately")
	run.Flags().BoolVar(&acceptLoop, "accept", false, "keep accepting cores that attach on their own")
	run.Flags().StringVar(&webAddr, "web", "", "control UI listen address")
	root.AddCommand(run)

	compile := &cobra.Command{
		Use:   "compile",
		Short: "Regenerate and link the patch library without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := manager.NewSettings(configDir)
			if err != nil {
				return err
			}
			if err := settings.Load(); err != nil {
				return err
			}
			defer settings.Save()

			logger := manager.NewLogger()
			logger.AddHandler(manager.ConsoleHandler)
			cores := manager.NewCoreManager(logger, settings)
			patches := manager.NewPatchManager(logger, settings, cores, manager.NewPluginManager(cores))
			out, err := patches.CompileAll()
			fmt.Print(out)
			return err
		},
	}
	root.AddCommand(compile)

	if err := root.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
