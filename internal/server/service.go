package server

import (
	"context"

	"github.com/tomhudson/flagpole/internal/core"
	"github.com/tomhudson/flagpole/internal/repository"
	"github.com/tomhudson/flagpole/internal/service"
)

type Service interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	ResolveBoolean(ctx context.Context, key string, evalContext core.EvaluationContext, environment string, defaultValue bool) (bool, error)
	ResolveBatch(ctx context.Context, requests []service.ResolveRequest) ([]service.ResolveResult, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, eventID int64, key string) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)
