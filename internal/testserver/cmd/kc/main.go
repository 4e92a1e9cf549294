package main

import (
	"context"
	"os"

	"github.com/circleci/disttest/internal/testserver"
)

func main() {
	os.Exit(testserver.Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
