package main

import (
	"log"

	"cpgw/internal/config"
	"cpgw/metrics"
	"cpgw/server"
)

func main() {

	conf, err := config.GetConfig()
	if err != nil {
		log.Println("configuration failed", err)
		return
	}

	centralSystem, err := server.NewCentralSystem(conf)
	if err != nil {
		log.Println("central system initialization failed", err)
		return
	}

	go func() {
		if err := metrics.Listen(conf); err != nil {
			log.Println("metrics server failed", err)
		}
	}()

	centralSystem.Start()

}
