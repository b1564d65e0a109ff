// Command megumidb_shell is an interactive shell over the storage core's
// primary B+ tree index.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/megumidb/megumidb/config"
	"github.com/megumidb/megumidb/core/indexing/btree"
	storageengine "github.com/megumidb/megumidb/core/storage_engine"
	"github.com/megumidb/megumidb/core/storage_engine/page"
	"github.com/megumidb/megumidb/pkg/logger"
)

const helpText = `Commands:
  insert <key>            insert key (value derived from key)
  remove <key>            remove key
  get <key>               point lookup
  scan [start] [count]    iterate keys in order
  load <file>             insert int64 keys read from file
  unload <file>           remove int64 keys read from file
  root                    print the root page id
  dump                    print the tree structure
  flush                   write all dirty pages to disk
  help                    this text
  exit                    quit`

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	dataFile := flag.String("data", "", "override the data file path")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *dataFile != "" {
		cfg.Storage.DataFile = *dataFile
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	engine, err := storageengine.Open(cfg, zlog)
	if err != nil {
		log.Fatalf("failed to open storage engine: %v", err)
	}
	defer engine.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "megumidb> ",
		HistoryFile:       filepath.Join(os.TempDir(), "megumidb_shell.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("failed to initialize readline: %v", err)
	}
	defer rl.Close()

	fmt.Printf("megumidb shell — data file %s (instance %s)\n",
		cfg.Storage.DataFile, engine.Disk.InstanceID())
	fmt.Println(`type "help" for commands`)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}
		runCommand(engine, fields)
	}
}

func runCommand(engine *storageengine.Engine, fields []string) {
	tree := engine.Index
	switch fields[0] {
	case "help":
		fmt.Println(helpText)

	case "insert":
		key, ok := parseKey(fields, 1)
		if !ok {
			return
		}
		rid := page.RID{PageID: page.PageID(key >> 32), SlotNum: uint32(key)}
		inserted, err := tree.Insert(key, rid, nil)
		switch {
		case err != nil:
			fmt.Printf("error: %v\n", err)
		case !inserted:
			fmt.Printf("duplicate key %d\n", key)
		default:
			fmt.Println("ok")
		}

	case "remove":
		key, ok := parseKey(fields, 1)
		if !ok {
			return
		}
		if err := tree.Remove(key, nil); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("ok")

	case "get":
		key, ok := parseKey(fields, 1)
		if !ok {
			return
		}
		rid, found, err := tree.GetValue(key)
		switch {
		case err != nil:
			fmt.Printf("error: %v\n", err)
		case !found:
			fmt.Println("not found")
		default:
			fmt.Printf("%d -> rid %s\n", key, rid)
		}

	case "scan":
		var it *btree.Iterator[int64]
		var err error
		count := -1
		if len(fields) >= 2 {
			start, ok := parseKey(fields, 1)
			if !ok {
				return
			}
			it, err = tree.BeginAt(start)
		} else {
			it, err = tree.Begin()
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if len(fields) >= 3 {
			if count, err = strconv.Atoi(fields[2]); err != nil {
				fmt.Printf("bad count %q\n", fields[2])
				it.Close()
				return
			}
		}
		printed := 0
		for ; !it.IsEnd() && (count < 0 || printed < count); it.Next() {
			fmt.Printf("%d ", it.Key())
			printed++
		}
		it.Close()
		fmt.Printf("\n(%d keys)\n", printed)

	case "load", "unload":
		if len(fields) < 2 {
			fmt.Printf("usage: %s <file>\n", fields[0])
			return
		}
		var err error
		if fields[0] == "load" {
			err = tree.InsertFromFile(fields[1], nil)
		} else {
			err = tree.RemoveFromFile(fields[1], nil)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("ok")

	case "root":
		fmt.Printf("root page id: %d\n", tree.RootPageID())

	case "dump":
		fmt.Print(tree.DebugString())

	case "flush":
		engine.Pool.FlushAll()
		fmt.Println("ok")

	default:
		fmt.Printf("unknown command %q; type \"help\"\n", fields[0])
	}
}

func parseKey(fields []string, idx int) (int64, bool) {
	if len(fields) <= idx {
		fmt.Println("missing key argument")
		return 0, false
	}
	key, err := strconv.ParseInt(fields[idx], 10, 64)
	if err != nil {
		fmt.Printf("bad key %q\n", fields[idx])
		return 0, false
	}
	return key, true
}
