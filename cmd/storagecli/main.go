// Command storagecli drives the storage engine directly from the shell:
// create a table, insert/scan/update/delete rows, and force a
// checkpoint, useful for manual inspection and scripting without a SQL
// front end.
//
// Grounded on antonellof-VittoriaDB's cmd/vittoriadb/main.go (the
// urfave/cli/v2 App/Command/Flag wiring) — the teacher repo itself has
// no CLI framework of its own, so this is the one place SPEC_FULL's
// ambient CLI tooling is adopted wholesale from elsewhere in the pack.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/avaish/nanodb/config"
	"github.com/avaish/nanodb/internal/engine"
	"github.com/avaish/nanodb/internal/storage/heap"
)

func main() {
	app := &cli.App{
		Name:  "storagecli",
		Usage: "inspect and drive a nanodb storage engine directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Aliases: []string{"d"}, Value: "./datafiles", Usage: "database base directory"},
			&cli.IntFlag{Name: "page-size", Value: 8192, Usage: "page size in bytes (power of two, 512..65536)"},
			&cli.StringFlag{Name: "page-cache-size", Value: "64m", Usage: "page cache budget (accepts k/m/g suffix)"},
			&cli.StringFlag{Name: "page-cache-policy", Value: "lru", Usage: "lru or fifo"},
			&cli.StringFlag{Name: "checkpoint-cron", Value: "", Usage: "5-field cron expression for background checkpoints, empty to disable"},
		},
		Commands: []*cli.Command{
			createTableCmd,
			insertCmd,
			scanCmd,
			updateCmd,
			deleteCmd,
			checkpointCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "storagecli:", err)
		os.Exit(1)
	}
}

func openEngine(c *cli.Context) (*engine.Engine, error) {
	pageSize := c.Int("page-size")
	cacheBytes, err := config.ParseCacheSize(c.String("page-cache-size"))
	if err != nil {
		return nil, err
	}
	policy, err := config.ParseCachePolicy(c.String("page-cache-policy"))
	if err != nil {
		return nil, err
	}
	return engine.Open(engine.Config{
		BaseDir:        c.String("data-dir"),
		PageSize:       pageSize,
		CacheBytes:     cacheBytes,
		CachePolicy:    policy,
		CheckpointCron: c.String("checkpoint-cron"),
	})
}

var createTableCmd = &cli.Command{
	Name:      "create-table",
	Usage:     "create a table with the given column spec",
	ArgsUsage: "<name> <col:type[:len]>...",
	Description: "types: tinyint, smallint, integer, bigint, float, double, char, varchar\n" +
		"example: storagecli create-table users id:integer name:varchar:64",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("need a table name and at least one column")
		}
		name := c.Args().Get(0)
		var schema heap.Schema
		for _, spec := range c.Args().Slice()[1:] {
			col, err := parseColumnSpec(spec)
			if err != nil {
				return err
			}
			schema.Columns = append(schema.Columns, col)
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		sess := e.NewSession()
		defer sess.Close()
		_, err = sess.CreateTable(name, schema)
		if err != nil {
			return err
		}
		fmt.Printf("created table %q with %d columns\n", name, len(schema.Columns))
		return nil
	},
}

func parseColumnSpec(spec string) (heap.Column, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return heap.Column{}, fmt.Errorf("bad column spec %q, want name:type[:len]", spec)
	}
	col := heap.Column{Name: parts[0]}
	switch strings.ToLower(parts[1]) {
	case "tinyint":
		col.Type = heap.TypeTinyInt
	case "smallint":
		col.Type = heap.TypeSmallInt
	case "integer":
		col.Type = heap.TypeInteger
	case "bigint":
		col.Type = heap.TypeBigInt
	case "float":
		col.Type = heap.TypeFloat
	case "double":
		col.Type = heap.TypeDouble
	case "char":
		col.Type = heap.TypeChar
	case "varchar":
		col.Type = heap.TypeVarChar
	default:
		return heap.Column{}, fmt.Errorf("unknown column type %q", parts[1])
	}
	if col.Type == heap.TypeChar || col.Type == heap.TypeVarChar {
		if len(parts) < 3 {
			return heap.Column{}, fmt.Errorf("column %q needs a length: name:%s:len", parts[0], parts[1])
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return heap.Column{}, fmt.Errorf("bad length for column %q: %w", parts[0], err)
		}
		col.Len = uint16(n)
	}
	return col, nil
}

var insertCmd = &cli.Command{
	Name:      "insert",
	Usage:     "insert one row into a table",
	ArgsUsage: "<table> <value>...",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("need a table name")
		}
		name := c.Args().Get(0)
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		sess := e.NewSession()
		defer sess.Close()
		tbl, err := sess.Table(name)
		if err != nil {
			return err
		}
		vals, err := parseRowValues(tbl.Schema(), c.Args().Slice()[1:])
		if err != nil {
			return err
		}
		ref, err := sess.InsertRow(tbl, vals)
		if err != nil {
			return err
		}
		fmt.Printf("inserted %s\n", ref)
		return nil
	},
}

func parseRowValues(schema heap.Schema, args []string) ([]heap.Value, error) {
	if len(args) != len(schema.Columns) {
		return nil, fmt.Errorf("table has %d columns, got %d values", len(schema.Columns), len(args))
	}
	vals := make([]heap.Value, len(args))
	for i, col := range schema.Columns {
		if args[i] == "NULL" {
			vals[i] = nil
			continue
		}
		switch col.Type {
		case heap.TypeTinyInt, heap.TypeSmallInt, heap.TypeInteger, heap.TypeBigInt:
			n, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
			vals[i] = n
		case heap.TypeFloat, heap.TypeDouble:
			f, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
			vals[i] = f
		default:
			vals[i] = args[i]
		}
	}
	return vals, nil
}

var scanCmd = &cli.Command{
	Name:      "scan",
	Usage:     "print every live row in a table",
	ArgsUsage: "<table>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return fmt.Errorf("need a table name")
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		sess := e.NewSession()
		defer sess.Close()
		tbl, err := sess.Table(c.Args().Get(0))
		if err != nil {
			return err
		}
		ref, vals, ok, err := tbl.GetFirstTuple()
		for ok {
			if err != nil {
				return err
			}
			fmt.Printf("%s: %v\n", ref, vals)
			ref, vals, ok, err = tbl.GetNextTuple(ref)
		}
		return err
	},
}

var updateCmd = &cli.Command{
	Name:      "update",
	Usage:     "replace the row at page:slot",
	ArgsUsage: "<table> <page:slot> <value>...",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("need a table name and a page:slot reference")
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		sess := e.NewSession()
		defer sess.Close()
		tbl, err := sess.Table(c.Args().Get(0))
		if err != nil {
			return err
		}
		ref, err := parseTupleRef(c.Args().Get(1))
		if err != nil {
			return err
		}
		vals, err := parseRowValues(tbl.Schema(), c.Args().Slice()[2:])
		if err != nil {
			return err
		}
		return sess.UpdateRow(tbl, ref, vals)
	},
}

var deleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "delete the row at page:slot",
	ArgsUsage: "<table> <page:slot>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("need a table name and a page:slot reference")
		}
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		sess := e.NewSession()
		defer sess.Close()
		tbl, err := sess.Table(c.Args().Get(0))
		if err != nil {
			return err
		}
		ref, err := parseTupleRef(c.Args().Get(1))
		if err != nil {
			return err
		}
		return sess.DeleteRow(tbl, ref)
	},
}

func parseTupleRef(s string) (heap.TupleRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return heap.TupleRef{}, fmt.Errorf("bad tuple reference %q, want page:slot", s)
	}
	page, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return heap.TupleRef{}, err
	}
	slot, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return heap.TupleRef{}, err
	}
	return heap.TupleRef{PageNo: uint32(page), Slot: uint16(slot)}, nil
}

var checkpointCmd = &cli.Command{
	Name:  "checkpoint",
	Usage: "force a checkpoint: flush all dirty pages and sync the WAL",
	Action: func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Checkpoint()
	},
}
