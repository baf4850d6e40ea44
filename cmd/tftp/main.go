package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	tftp "github.com/wjholden/GoTFTP/internal"
)

var (
	port    = pflag.IntP("port", "p", tftp.DEFAULT_PORT, "server port")
	timeout = pflag.DurationP("timeout", "t", tftp.DEFAULT_TIMEOUT, "time to wait for each reply")
	retries = pflag.IntP("retries", "r", tftp.DEFAULT_RETRIES, "retransmissions per block before giving up")
	output  = pflag.StringP("output", "o", "", "local path (defaults to <filename>, or its base name for get)")
	verbose = pflag.BoolP("verbose", "v", false, "log every packet")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <host> {get,put} <filename> [-p PORT]\n\n", filepath.Base(os.Args[0]))
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage
	pflag.Parse()

	if pflag.NArg() != 3 {
		usage()
		os.Exit(2)
	}
	host, operation, filename := pflag.Arg(0), pflag.Arg(1), pflag.Arg(2)

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	local := *output
	if local == "" {
		local = filename
		if operation == "get" {
			local = filepath.Base(filename)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := tftp.NewClient(host,
		tftp.WithPort(*port),
		tftp.WithTimeout(*timeout),
		tftp.WithRetries(*retries),
	)

	var (
		report *tftp.Report
		err    error
	)
	switch operation {
	case "get":
		report, err = c.Get(ctx, filename, local)
	case "put":
		report, err = c.Put(ctx, local, filename)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logrus.Errorf("%s %s: %v", operation, filename, err)
		os.Exit(1)
	}
	fmt.Println(report)
}
