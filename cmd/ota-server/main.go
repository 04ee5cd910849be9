package main

import (
	"context"
	"flag"

	"github.com/containerd/containerd/log"
	"github.com/joon704/zigbee-herdsman-converters/pkg/server"
)

var logger = log.G(context.TODO())

func main() {
	addr := flag.String("addr", ":8082", "address to listen on")
	storePath := flag.String("store", "/tmp/ota-mirror", "directory to keep registered images")
	preloadPath := flag.String("preload", "", "yaml file listing firmwares to register at start")
	tlsCert := flag.String("tlsCert", "", "certificate file, enables https together with -tlsKey")
	tlsKey := flag.String("tlsKey", "", "private key file for -tlsCert")
	flag.Parse()

	ms, err := server.NewMirrorServer(*storePath)
	if err != nil {
		logger.Fatalf("failed to create MirrorServer: %v", err)
	}
	if *preloadPath != "" {
		cfg, err := server.LoadPreloadConfig(*preloadPath)
		if err != nil {
			logger.Fatalf("failed to load preload config: %v", err)
		}
		err = ms.Preload(cfg)
		if err != nil {
			logger.Fatalf("failed to preload firmwares: %v", err)
		}
	}

	logger.Infof("listening on %s", *addr)
	if *tlsCert != "" && *tlsKey != "" {
		err = ms.ListenAndServeTLS(*addr, *tlsCert, *tlsKey)
	} else {
		err = ms.ListenAndServe(*addr)
	}
	if err != nil {
		logger.Fatalf("failed to start server: %v", err)
	}
}
