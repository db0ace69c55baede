package main

import (
	"context"
	"fmt"
	"os"

	cl "github.com/aep/sdbp/client/cmd"
	kv "github.com/aep/sdbp/kv/cmd"
	"github.com/aep/sdbp/mkmtls"
	sr "github.com/aep/sdbp/server"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sdbp",
	Short: "sdbp key value store client and reference server",
}

func init() {
	rootCmd.AddCommand(sr.CMD)
	rootCmd.AddCommand(kv.CMD)
	rootCmd.AddCommand(cl.CMD)
	rootCmd.AddCommand(mkmtls.CMD)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
