/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/adbwatch/pkg/adb"
)

func init() {
	rootCmd.AddCommand(statCmd)
	addTransportFlags(statCmd)
}

// statCmd represents the stat command
var statCmd = &cobra.Command{
	Use:           "stat <remote-path>",
	Short:         "Stat a file on the device",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		st, err := adb.SyncStat(args[0], transportOption(cmd))
		if err != nil {
			return fmt.Errorf("stat failed: %w", err)
		}

		fmt.Printf("  File: %s\n", args[0])
		fmt.Printf("  Size: %-12d Mode: %#o  Links: %d\n", st.Size, st.Mode, st.Nlink)
		fmt.Printf("   Uid: %-8d Gid: %d\n", st.UID, st.GID)
		fmt.Printf("Access: %s\n", time.Unix(st.Atime, 0))
		fmt.Printf("Modify: %s\n", time.Unix(st.Mtime, 0))
		fmt.Printf("Change: %s\n", time.Unix(st.Ctime, 0))
		if st.IsExecutable() {
			fmt.Println("Executable: yes")
		}

		return nil
	},
}
