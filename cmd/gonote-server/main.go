package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/ilnaes/gonote/internal/config"
	"github.com/ilnaes/gonote/internal/discovery"
	"github.com/ilnaes/gonote/internal/oplog"
	"github.com/ilnaes/gonote/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	addr := flag.String("addr", cfg.Addr, "listen address")
	file := flag.String("file", "", "seed the buffer from a file")
	readPass := flag.String("read-password", cfg.ReadPassword, "password for /read (empty = open)")
	writePass := flag.String("write-password", cfg.WritePassword, "password for /edit (empty = open)")
	oplogPath := flag.String("oplog", cfg.OplogPath, "persist operations to this bbolt file")
	announce := flag.Bool("announce", cfg.Announce, "announce the session over mDNS")
	flag.Parse()

	var text string
	if *file != "" {
		buf, err := os.ReadFile(*file)
		if err != nil {
			log.Fatal(err)
		}
		text = string(buf)
	}

	opts := server.Options{
		Text:          text,
		ReadPassword:  *readPass,
		WritePassword: *writePass,
	}
	if *oplogPath != "" {
		l, err := oplog.Open(*oplogPath)
		if err != nil {
			log.Fatal(err)
		}
		defer l.Close()
		opts.History = l
	}

	s, err := server.New(opts)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *announce {
		_, portStr, err := net.SplitHostPort(*addr)
		if err != nil {
			log.Fatal(err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatal(err)
		}
		if err := discovery.Announce(ctx, cfg.SessionName, port); err != nil {
			log.Println("mDNS announce failed:", err)
		}
	}

	log.Println("listening on", *addr)
	if err := s.Run(ctx, *addr); err != nil {
		log.Fatal(err)
	}
}
