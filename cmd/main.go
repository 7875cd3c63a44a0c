package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"lsmkv/internal/config"
	"lsmkv/internal/storage"
	"lsmkv/pkg/logger"
)

func main() {
	dir := flag.String("dir", "./data", "data directory")
	configPath := flag.String("config", "", "optional YAML config file")
	logLevel := flag.String("log-level", logger.InfoLevel, "log level (debug|info|warn|error)")
	flag.Parse()

	logger.InitLogger(*logLevel, "")

	var (
		conf *config.Config
		err  error
	)
	if *configPath != "" {
		conf, err = config.FromFile(*configPath)
	} else {
		conf, err = config.New(*dir)
	}
	if err != nil {
		logger.Fatal("load config", "err", err)
	}

	engine, err := storage.New(conf)
	if err != nil {
		logger.Fatal("open storage engine", "err", err)
	}
	defer engine.Close()

	fmt.Println("commands: put <key> <value> | get <key> | del <key> | scan [start [end]] | flush | clear | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "put":
			if len(fields) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			report(engine.Put([]byte(fields[1]), []byte(fields[2])))
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, ok, err := engine.Get([]byte(fields[1]))
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if !ok {
				fmt.Println("(not found)")
				continue
			}
			fmt.Println(string(value))
		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			report(engine.Delete([]byte(fields[1])))
		case "scan":
			var start, end []byte
			if len(fields) > 1 {
				start = []byte(fields[1])
			}
			if len(fields) > 2 {
				end = []byte(fields[2])
			}
			pairs, err := engine.Scan(start, end)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, p := range pairs {
				fmt.Printf("%s = %s\n", p.Key, p.Value)
			}
			fmt.Printf("(%d pairs)\n", len(pairs))
		case "flush":
			report(engine.Flush())
		case "clear":
			report(engine.Clear())
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func report(err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("ok")
}
