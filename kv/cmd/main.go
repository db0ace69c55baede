package cmd

import (
	"fmt"
	"strings"

	"github.com/aep/sdbp/kv"
	"github.com/spf13/cobra"
)

var CMD = &cobra.Command{
	Use:   "kv",
	Short: "direct low level access to the server's store",
}

var (
	storeFlag string
	pathFlag  string
)

func init() {
	CMD.PersistentFlags().StringVar(&storeFlag, "store", "pebble", "pebble or tikv")
	CMD.PersistentFlags().StringVar(&pathFlag, "path", "", "pebble directory or tikv pd endpoint")
	CMD.AddCommand(listCmd)
	CMD.AddCommand(getCmd)
	CMD.AddCommand(putCmd)
	CMD.AddCommand(delCmd)
}

func open() kv.KV {
	var (
		k   kv.KV
		err error
	)
	switch storeFlag {
	case "tikv":
		k, err = kv.NewTikv(pathFlag)
	case "pebble":
		k, err = kv.NewPebble(pathFlag)
	default:
		err = fmt.Errorf("unknown store %q", storeFlag)
	}
	if err != nil {
		panic(err)
	}
	return k
}

var listCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List keys",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		k := open()
		defer k.Close()

		var start, end []byte
		if len(args) > 0 {
			start = []byte(args[0])
			end = append([]byte(args[0]), 0xff)
		}
		r := k.Read()
		defer r.Close()
		for kv, err := range r.Iter(cmd.Context(), start, end) {
			if err != nil {
				panic(err)
			}
			fmt.Println(escapeNonPrintable(kv.K))
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get value for a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		k := open()
		defer k.Close()
		r := k.Read()
		defer r.Close()
		v, err := r.Get(cmd.Context(), []byte(args[0]))
		if err != nil {
			panic(err)
		}
		fmt.Println(escapeNonPrintable(v))
	},
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Put a key-value pair",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		k := open()
		defer k.Close()
		w := k.Write()
		w.Put([]byte(args[0]), []byte(args[1]))
		if err := w.Commit(cmd.Context()); err != nil {
			panic(err)
		}
	},
}

var delCmd = &cobra.Command{
	Use:     "del [key]",
	Aliases: []string{"rm"},
	Short:   "Delete a key",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		k := open()
		defer k.Close()
		w := k.Write()
		w.Del([]byte(args[0]))
		if err := w.Commit(cmd.Context()); err != nil {
			panic(err)
		}
	},
}

func escapeNonPrintable(b []byte) string {
	var result strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			result.WriteByte(c)
		} else {
			result.WriteString(fmt.Sprintf("\\x%02x", c))
		}
	}
	return result.String()
}
