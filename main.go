package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sashashura/tomcat/endpoint"
	"github.com/sashashura/tomcat/log"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	port := flag.Int("port", 8080, "listen port (overridden by the config file)")
	flag.Parse()

	log.InitLogger()

	cfg := endpoint.DefaultConfig()
	cfg.Port = *port
	if *configPath != "" {
		loaded, err := endpoint.LoadConfig(*configPath)
		if err != nil {
			log.Logger.Fatal("load config", zap.Error(err))
		}
		cfg = loaded
	}

	ep := endpoint.New(cfg, endpoint.NewEchoHandler())
	if err := ep.Start(); err != nil {
		log.Logger.Fatal("start endpoint", zap.Error(err))
	}
	log.Logger.Info("listening", zap.Int("port", ep.Port()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh

	log.Logger.Info("shutting down")
	ep.Stop()
	if err := ep.Destroy(); err != nil {
		log.Logger.Error("destroy endpoint", zap.Error(err))
	}
}
