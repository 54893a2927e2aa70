package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"flashkv"
)

var (
	image    = flag.String("image", "flash.img", "path of the flash image file")
	pages    = flag.Int("pages", 16, "page count of the medium")
	pageSize = flag.Int("pagesize", 1024, "page size in bytes")
	cycles   = flag.Int("cycles", 10000, "rated erase cycles per page")
	verbose  = flag.Bool("v", false, "debug logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [flags] <command> [args]

commands:
  format           erase the image and write a fresh store
  info             print capacity and usage
  keys             list live keys
  get <key>        print the payload of a key
  put <key> <val>  insert or update a key
  del <key>        remove a key

flags:
`, os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func parseKey(arg string) uint16 {
	n, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		log.Fatalf("bad key %q: %s", arg, err)
	}
	return uint16(n)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	cmd := flag.Arg(0)

	cfg := flashkv.MediumConfig{
		PageCount:      *pages,
		PageBytes:      *pageSize,
		WordBytes:      4,
		MaxEraseCycles: *cycles,
	}
	readOnly := cmd == "info" || cmd == "keys" || cmd == "get"
	m, err := flashkv.OpenFileMedium(*image, cfg, &flashkv.FileOptions{ReadOnly: readOnly})
	if err != nil {
		log.Fatalf("open image: %s", err)
	}
	defer m.Close()

	store, err := flashkv.New(m, flashkv.DefaultOptions)
	if err != nil {
		log.Fatalf("new store: %s", err)
	}

	if cmd == "format" {
		if err := store.Format(); err != nil {
			log.Fatalf("format: %s", err)
		}
		fmt.Println("formatted")
		return
	}

	if err := store.Init(); err != nil {
		log.Fatalf("init: %s (blank images need `format` first)", err)
	}

	switch cmd {
	case "info":
		u, err := store.Capacity()
		if err != nil {
			log.Fatalf("capacity: %s", err)
		}
		fmt.Printf("used:        %d bytes\n", u.UsedBytes)
		fmt.Printf("total:       %d bytes\n", u.TotalBytes)
		fmt.Printf("reclaimable: %d bytes\n", u.ReclaimableBytes)
		fmt.Printf("erase budget: %d cycles\n", u.ErasesRemaining)
	case "keys":
		keys, err := store.Keys()
		if err != nil {
			log.Fatalf("keys: %s", err)
		}
		for _, k := range keys {
			fmt.Printf("%#04x\n", k)
		}
	case "get":
		if flag.NArg() != 2 {
			usage()
		}
		v, ok, err := store.Find(parseKey(flag.Arg(1)))
		if err != nil {
			log.Fatalf("find: %s", err)
		}
		if !ok {
			log.Fatalf("key %s not found", flag.Arg(1))
		}
		os.Stdout.Write(v)
		fmt.Println()
	case "put":
		if flag.NArg() != 3 {
			usage()
		}
		if err := store.Put(parseKey(flag.Arg(1)), []byte(flag.Arg(2))); err != nil {
			log.Fatalf("put: %s", err)
		}
	case "del":
		if flag.NArg() != 2 {
			usage()
		}
		if err := store.Delete(parseKey(flag.Arg(1))); err != nil {
			log.Fatalf("delete: %s", err)
		}
	default:
		usage()
	}
}
