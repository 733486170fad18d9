//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"
	"github.com/usagipub/federation"
	"github.com/usagipub/federation/sqlite"
)

func createServer(log *zerolog.Logger) (*federation.Server, error) {
	wire.Build(
		federation.ParseConfig,
		federation.NewURLResolver,
		federation.NewRemoteServer,
		federation.NewLockManager,
		federation.NewKeyCache,
		federation.NewEntityCache,
		federation.NewInstanceActor,
		federation.NewObjectResolver,
		federation.NewAudienceService,
		federation.NewActorRegistry,
		federation.NewPostRegistry,
		federation.NewDispatcher,
		federation.NewSignatureVerifier,
		federation.NewInboxQueue,
		federation.NewHandler,
		federation.NewServer,
		sqlite.NewSQLite,
		sqlite.NewActorDB,
		sqlite.NewPostDB,
		sqlite.NewFollowDB,
		sqlite.NewBlockDB,
		sqlite.NewReactionDB,
		sqlite.NewReportDB,
		sqlite.NewInstanceDB,
		wire.Bind(new(federation.Queue), new(*federation.InboxQueue)),
	)
	return nil, nil
}
