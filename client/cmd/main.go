package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/aep/sdbp/aql"
	"github.com/aep/sdbp/client"
	"github.com/aep/sdbp/transport"
	"github.com/spf13/cobra"
)

var CMD = &cobra.Command{
	Use:     "client",
	Aliases: []string{"c"},
	Short:   "talk to a cluster",
}

var (
	configFile  string
	nodes       []string
	database    string
	table       string
	consistency string
	natsOpts    transport.NATSOptions
)

func init() {
	f := CMD.PersistentFlags()
	f.StringVarP(&configFile, "config", "c", "", "client config yaml")
	f.StringSliceVarP(&nodes, "nodes", "n", []string{"127.0.0.1:4222"}, "cluster nodes")
	f.StringVar(&database, "db", "", "database")
	f.StringVarP(&table, "table", "t", "", "table")
	f.StringVar(&consistency, "consistency", "", "any, ryw or strict")
	f.StringVar(&natsOpts.Cluster, "cluster", "", "cluster name")
	f.StringVar(&natsOpts.CACert, "ca", "", "CA certificate for mTLS")
	f.StringVar(&natsOpts.ClientCert, "cert", "", "client certificate for mTLS")
	f.StringVar(&natsOpts.ClientKey, "key", "", "client key for mTLS")

	seqCmd.Flags().Uint64Var(&seqSet, "set", 0, "set the next value instead of taking one")

	createCmd.AddCommand(createQuorumCmd, createDatabaseCmd, createTableCmd)
	CMD.AddCommand(getCmd, setCmd, addCmd, delCmd, lsCmd, countCmd, seqCmd, createCmd, truncateCmd)
}

func connect(ctx context.Context) *client.Session {
	cfg := client.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = client.LoadConfig(configFile); err != nil {
			log.Fatal(err)
		}
	}
	if CMD.PersistentFlags().Changed("nodes") || len(cfg.Nodes) == 0 {
		cfg.Nodes = nodes
	}
	if database != "" {
		cfg.Database = database
	}
	if table != "" {
		cfg.Table = table
	}
	if consistency != "" {
		if err := cfg.Consistency.UnmarshalText([]byte(consistency)); err != nil {
			log.Fatal(err)
		}
	}
	cfg.BatchMode = client.BatchSingle

	s, err := client.New(ctx, cfg, transport.NATSDialer(natsOpts))
	if err != nil {
		log.Fatal(err)
	}
	return s
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get the value of a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := connect(cmd.Context())
		defer s.Close()
		v, ok, err := s.Get(cmd.Context(), []byte(args[0]))
		if err != nil {
			log.Fatal(err)
		}
		if !ok {
			log.Fatalf("%s: not found", args[0])
		}
		fmt.Println(string(v))
	},
}

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a key",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		s := connect(cmd.Context())
		defer s.Close()
		if err := s.Set(cmd.Context(), []byte(args[0]), []byte(args[1])); err != nil {
			log.Fatal(err)
		}
	},
}

var addCmd = &cobra.Command{
	Use:   "add [key] [delta]",
	Short: "Add to the number stored at a key",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			log.Fatal(err)
		}
		s := connect(cmd.Context())
		defer s.Close()
		n, err := s.Add(cmd.Context(), []byte(args[0]), delta)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(n)
	},
}

var delCmd = &cobra.Command{
	Use:     "del [key]",
	Aliases: []string{"rm"},
	Short:   "Delete a key",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := connect(cmd.Context())
		defer s.Close()
		if err := s.Delete(cmd.Context(), []byte(args[0])); err != nil {
			log.Fatal(err)
		}
	},
}

// query parses an aql range and selects its table on s.
func query(ctx context.Context, s *client.Session, expr string) *aql.Query {
	q, err := aql.Parse(expr)
	if err != nil {
		log.Fatalf("%s: %v", expr, err)
	}
	if q.Database != "" {
		if err := s.UseDatabase(ctx, q.Database); err != nil {
			log.Fatal(err)
		}
	}
	if err := s.UseTable(ctx, q.Table); err != nil {
		log.Fatal(err)
	}
	return q
}

var lsCmd = &cobra.Command{
	Use:   "ls [db.table(prefix=\"..\", start=\"..\", end=\"..\", count=N, backward, values)]",
	Short: "List a key range",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := connect(ctx)
		defer s.Close()
		q := query(ctx, s, args[0])

		if q.Values {
			it, err := s.KeyValues(ctx, q.RangeParams())
			if err != nil {
				log.Fatal(err)
			}
			for k, v := range it.All() {
				fmt.Printf("%s\t%s\n", escapeNonPrintable(k), escapeNonPrintable(v))
			}
			if err := it.Err(); err != nil {
				log.Fatal(err)
			}
			return
		}

		it, err := s.Keys(ctx, q.RangeParams())
		if err != nil {
			log.Fatal(err)
		}
		for k := range it.All() {
			fmt.Println(escapeNonPrintable(k))
		}
		if err := it.Err(); err != nil {
			log.Fatal(err)
		}
	},
}

var countCmd = &cobra.Command{
	Use:   "count [db.table(...)]",
	Short: "Count the keys of a range",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := connect(ctx)
		defer s.Close()
		q := query(ctx, s, args[0])
		n, err := s.Count(ctx, q.RangeParams())
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(n)
	},
}

var seqSet uint64

var seqCmd = &cobra.Command{
	Use:   "seq [key]",
	Short: "Take the next value of a sequence",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := connect(cmd.Context())
		defer s.Close()
		seq := s.Sequence([]byte(args[0]))
		if cmd.Flags().Changed("set") {
			if err := seq.Set(cmd.Context(), seqSet); err != nil {
				log.Fatal(err)
			}
			return
		}
		n, err := seq.Next(cmd.Context())
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(n)
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create schema objects",
}

var createQuorumCmd = &cobra.Command{
	Use:   "quorum [name] [node ids...]",
	Short: "Create a quorum",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ids []uint64
		for _, a := range args[1:] {
			id, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				log.Fatalf("node id %q: %v", a, err)
			}
			ids = append(ids, id)
		}
		s := connect(cmd.Context())
		defer s.Close()
		id, err := s.CreateQuorum(cmd.Context(), args[0], ids...)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(id)
	},
}

var createDatabaseCmd = &cobra.Command{
	Use:     "database [name]",
	Aliases: []string{"db"},
	Short:   "Create a database",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := connect(cmd.Context())
		defer s.Close()
		id, err := s.CreateDatabase(cmd.Context(), args[0])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(id)
	},
}

var createTableCmd = &cobra.Command{
	Use:   "table [quorum] [db.table]",
	Short: "Create a table in a quorum",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := connect(ctx)
		defer s.Close()

		quorum, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			if quorum, err = s.GetQuorumID(ctx, args[0]); err != nil {
				log.Fatal(err)
			}
		}
		name := args[1]
		if db, tbl, ok := strings.Cut(name, "."); ok {
			if err := s.UseDatabase(ctx, db); err != nil {
				log.Fatal(err)
			}
			name = tbl
		}
		id, err := s.CreateTable(ctx, quorum, name)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(id)
	},
}

var truncateCmd = &cobra.Command{
	Use:   "truncate [db.table]",
	Short: "Delete every key of a table",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s := connect(ctx)
		defer s.Close()
		query(ctx, s, args[0])
		if err := s.TruncateTable(ctx); err != nil {
			log.Fatal(err)
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
