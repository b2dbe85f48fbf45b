package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cyberhuman/beholdfs/internal/app/beholdfs"
	"github.com/cyberhuman/beholdfs/internal/pkg/config"
)

var progName = filepath.Base(os.Args[0])

func main() {
	log.SetFlags(0)
	log.SetPrefix(progName + ": ")

	var optString string
	flag.StringVar(&optString, "o", "", "comma-separated mount options (debug=N,char=C,list,nolist,new_locate)")

	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(1)
	}
	fsroot := flag.Arg(0)
	mountpoint := flag.Arg(1)

	opts, err := config.Parse(optString)
	if err != nil {
		log.Fatal(err)
	}

	if info, err := os.Stat(fsroot); err != nil || !info.IsDir() {
		log.Printf("fsroot %s is not a directory", fsroot)
		os.Exit(2)
	}

	if err := beholdfs.Mount(fsroot, mountpoint, opts); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n", progName)
	fmt.Fprintf(os.Stderr, "  %s [-o opts] <fsroot> <mountPoint>\n", progName)
	flag.PrintDefaults()
}
