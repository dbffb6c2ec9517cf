/*
 * @Author: CALM.WU
 * @Date: 2024-03-27 16:40:51
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-27 16:52:09
 */

package cmd

import (
	"fmt"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"wxguard.calmwu/internal/wire"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and wire format versions",
	Run: func(cmd *cobra.Command, args []string) {
		setBuildInfo()
		cmd.Println(version.Print("wxguard"))
		cmd.Printf("  wire format:      v%d (%d bytes per event)\n", wire.Version, wire.Size)
	},
}

func setBuildInfo() {
	version.Version = fmt.Sprintf("%s.%s", VersionMajor, VersionMinor)
	version.Revision = CommitHash
	version.Branch = BranchName
	version.BuildDate = BuildTime
}
