// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package cellttlcmd

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is the cellttl release version.
const Version = "0.1.0"

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show current version info",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var buf bytes.Buffer
		revision, modified := vcsInfo()
		buf.WriteString(revision)
		if modified {
			buf.WriteString(" (modified)")
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"cellttl version %s (%s/%s) [%s]\n",
			Version, runtime.GOOS, runtime.GOARCH,
			buf.String(),
		)
		return nil
	},
}

// vcsInfo returns the VCS revision the binary was built from, if known.
func vcsInfo() (revision string, modified bool) {
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return revision, false
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}
