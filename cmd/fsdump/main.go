package main

import (
	"log"

	"github.com/spf13/pflag"
)

var (
	fLegacy = pflag.BoolP("legacy", "l", false, "the image uses the legacy layout")
)

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 {
		log.Fatal("usage: fsdump [--legacy] image")
	}

	if err := dump(pflag.Arg(0), *fLegacy); err != nil {
		log.Fatal(err)
	}
}
