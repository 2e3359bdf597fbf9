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

package manager

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yookoala/realpath"
)

// launchTarget starts the target with the core library preloaded: the
// library search path gains `libraryPath' and LD_PRELOAD gains
// `coreName'. The core scrubs itself back out before the target spawns
// children.
func launchTarget(applicationName, parameters, libraryPath, coreName string) (*exec.Cmd, error) {
	real, err := realpath.Realpath(applicationName)
	if err != nil {
		real = applicationName
	}

	cmd := exec.Command(applicationName, strings.Fields(parameters)...)
	cmd.Dir, _ = filepath.Split(real)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = preloadEnviron(os.Environ(), libraryPath, coreName)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not create process: %w", err)
	}
	return cmd, nil
}

// preloadEnviron rewrites LD_LIBRARY_PATH and LD_PRELOAD, keeping the
// rest of the environment as-is.
func preloadEnviron(environ []string, libraryPath, coreName string) []string {
	ldLibraryPath := ""
	ldPreload := ""
	kept := environ[:0:0]
	for _, entry := range environ {
		switch {
		case strings.HasPrefix(entry, "LD_LIBRARY_PATH="):
			ldLibraryPath = strings.TrimPrefix(entry, "LD_LIBRARY_PATH=")
		case strings.HasPrefix(entry, "LD_PRELOAD="):
			ldPreload = strings.TrimPrefix(entry, "LD_PRELOAD=")
		default:
			kept = append(kept, entry)
		}
	}

	if ldLibraryPath == "" {
		ldLibraryPath = libraryPath
	} else if !strings.Contains(":"+ldLibraryPath+":", ":"+libraryPath+":") {
		ldLibraryPath += ":" + libraryPath
	}

	if ldPreload == "" {
		ldPreload = coreName
	} else {
		ldPreload += " " + coreName
	}

	kept = append(kept, "LD_LIBRARY_PATH="+ldLibraryPath)
	kept = append(kept, "LD_PRELOAD="+ldPreload)
	return kept
}

// vim: ai:ts=8:sw=8:noet:syntax=go
