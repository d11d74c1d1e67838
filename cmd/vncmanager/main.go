// Copyright 2019-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	log "github.com/sandia-minimega/vncmanager/pkg/minilog"

	"github.com/sandia-minimega/vncmanager/internal/config"
	"github.com/sandia-minimega/vncmanager/internal/control"
	"github.com/sandia-minimega/vncmanager/internal/session"
	"github.com/sandia-minimega/vncmanager/internal/supervisor"
	"github.com/sandia-minimega/vncmanager/internal/tlsutil"
)

func usage() {
	fmt.Println("vncmanager, a multiplexing RFB proxy in front of per-user Xvnc sessions.")
	fmt.Println("usage: vncmanager [option]...")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("%v", err)
	}
	if err := cfg.Check(); err != nil {
		log.Fatal("%v", err)
	}

	tls, err := tlsutil.NewProvider(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		log.Fatal("%v", err)
	}

	registry := session.NewRegistry(cfg)

	ctl, err := control.Listen(cfg.RunDir, registry)
	if err != nil {
		log.Fatal("%v", err)
	}
	defer ctl.Close()
	go ctl.Serve()

	sup, err := supervisor.New(cfg, tls, registry)
	if err != nil {
		log.Fatal("%v", err)
	}

	if err := sup.Run(context.Background()); err != nil {
		log.Fatal("%v", err)
	}

	os.Exit(0)
}
