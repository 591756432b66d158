package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wcygan/mini-lsm/pkg/iterators"
	"github.com/wcygan/mini-lsm/pkg/lsm"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	dataDir := flag.String("data", "data", "data directory")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	engine, err := lsm.Open(*dataDir, cfg)
	if err != nil {
		slog.Error("failed to open engine", "dir", *dataDir, "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("mini-lsm ready, data dir %s\n", *dataDir)
	fmt.Println("commands: put <k> <v> | get <k> | del <k> | scan [lo [hi]] | flush | compact | stats | quit")

	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			break
		}
		args := strings.Fields(sc.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			break
		}
		if err := run(engine, args); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func run(engine *lsm.Engine, args []string) error {
	switch args[0] {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		return engine.Put([]byte(args[1]), []byte(args[2]))

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		v, found, err := engine.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(v))
		return nil

	case "del":
		if len(args) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		return engine.Delete([]byte(args[1]))

	case "scan":
		lower, upper := iterators.Unbounded(), iterators.Unbounded()
		if len(args) > 1 {
			lower = iterators.Included([]byte(args[1]))
		}
		if len(args) > 2 {
			upper = iterators.Included([]byte(args[2]))
		}
		it, err := engine.Scan(lower, upper)
		if err != nil {
			return err
		}
		defer it.Close()
		n := 0
		for it.Valid() {
			fmt.Printf("%s = %s\n", it.Key(), it.Value())
			n++
			if err := it.Next(); err != nil {
				return err
			}
		}
		fmt.Printf("(%d keys)\n", n)
		return nil

	case "flush":
		return engine.Flush()

	case "compact":
		return engine.Compact()

	case "stats":
		st := engine.Stats()
		fmt.Printf("puts=%d deletes=%d gets=%d scans=%d\n", st.Puts, st.Deletes, st.Gets, st.Scans)
		fmt.Printf("flushes=%d compactions=%d imm=%d l0=%d levels=%d\n",
			st.Flushes, st.Compactions, st.ImmMemtables, st.L0Tables, st.Levels)
		fmt.Printf("cache hits=%d misses=%d\n", st.CacheHits, st.CacheMisses)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
