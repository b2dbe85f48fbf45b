package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyberhuman/beholdfs/internal/app/check"
)

var progName = filepath.Base(os.Args[0])

// rootFlag accumulates one or more -root values.
type rootFlag []string

func (r *rootFlag) String() string {
	content := ""
	for _, val := range *r {
		content += fmt.Sprint(val)
	}
	return content
}

func (r *rootFlag) Set(value string) error {
	*r = append(*r, value)
	return nil
}

func main() {
	log.SetFlags(0)
	log.SetPrefix(progName + ": ")

	var roots rootFlag
	flag.Var(&roots, "root", "BeholdFS backing tree to rebuild weak tags for. Can be repeated.")

	flag.Usage = usage
	flag.Parse()

	if len(roots) == 0 {
		usage()
		os.Exit(2)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(roots))
	wg.Add(len(roots))
	for i, root := range roots {
		i, root := i, root
		go func() {
			defer wg.Done()
			errs[i] = check.Rebuild(root)
		}()
	}
	wg.Wait()

	failed := false
	for i, err := range errs {
		if err != nil {
			failed = true
			log.Printf("could not rebuild %s: %v", roots[i], err)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n", progName)
	fmt.Fprintf(os.Stderr, "  %s -root <fsroot> [-root <fsroot> ...]\n", progName)
	flag.PrintDefaults()
}
