package main

import (
	"fmt"
	"log"

	"github.com/oronico/lanternprototype-sub000/internal/attribution"
	mod "github.com/oronico/lanternprototype-sub000/internal/config"
	"github.com/oronico/lanternprototype-sub000/internal/handlers"
	"github.com/oronico/lanternprototype-sub000/internal/scheduler"
	"github.com/oronico/lanternprototype-sub000/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := mod.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	eps, err := cfg.Attribution.EpsilonAmount()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// init DB
	db, err := store.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("failed to init db: %v", err)
	}
	st := store.New(db)
	engine := attribution.NewEngine(st,
		attribution.WithEpsilon(eps),
		attribution.WithChain(attribution.DefaultChain(cfg.Attribution.MaxPeriods)),
	)

	if cfg.Sweep.Enabled {
		sweeper := scheduler.NewSweeper(engine, st, cfg.Sweep.BatchSize)
		c, err := sweeper.Start(cfg.Sweep.Schedule)
		if err != nil {
			log.Fatalf("failed to start sweep: %v", err)
		}
		defer c.Stop()
	}

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.Default()

	// health
	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "payment attribution"})
	})

	// register handlers
	handlers.RegisterRoutes(r, st, engine)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
