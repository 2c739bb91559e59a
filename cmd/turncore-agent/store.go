package main

import (
	"github.com/turncore/turncore-agent/internal/ai"
	"github.com/turncore/turncore-agent/internal/ai/threadstore"
	"github.com/turncore/turncore-agent/internal/config"
)

func openStore(cfg *config.Config) (*threadstore.Store, error) {
	return threadstore.Open(cfg.DBPath())
}

func defaultUIEmitter() ai.UIEmitter {
	return ai.NopUIEmitter{}
}
