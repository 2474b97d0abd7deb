package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/cmd/proxystate/cmd"
)

func main() {
	p := cmd.Proxystate{}
	if err := p.Run(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("proxystate failed")
	}
}
